package errcode

// Code identifies a vault validation failure. Codes are stable; only their
// messages may be changed at runtime through the Registry.
type Code uint16

// Configuration
const (
	AlreadyInitialized Code = iota + 1
	NotInitialized
	InvalidMaxLeverage
	InvalidTaxBasisPoints
	InvalidStableTaxBasisPoints
	InvalidMintBurnFeeBasisPoints
	InvalidSwapFeeBasisPoints
	InvalidStableSwapFeeBasisPoints
	InvalidMarginFeeBasisPoints
	InvalidLiquidationFeeUsd
	InvalidFundingInterval
	InvalidFundingRateFactor
	InvalidStableFundingRateFactor
	InvalidTokenDecimals
)

// Authorization
const (
	Forbidden Code = iota + 20
	ManagerForbidden
	InvalidLiquidator
	InvalidRouter
	ControllerForbidden
)

// Market state
const (
	TokenNotWhitelisted Code = iota + 30
	SwapsNotEnabled
	LeverageNotEnabled
	MaxGasPriceExceeded
	InvalidTokens
	MismatchedTokens
	CollateralNotWhitelisted
	CollateralMustNotBeStable
	CollateralMustBeStable
	IndexMustNotBeStable
	IndexNotShortable
	Reentrant
	InvalidTokenAmount
	InvalidUsdgAmount
	InvalidRedemptionAmount
	InvalidAmountOut
	InvalidAmountIn
)

// Position safety
const (
	InsufficientCollateralForFees Code = iota + 60
	InvalidPositionSize
	EmptyPosition
	PositionSizeExceeded
	PositionCollateralExceeded
	PositionCannotBeLiquidated
	InvalidAveragePrice
	CollateralShouldBeWithdrawn
	SizeMustExceedCollateral
	LossesExceedCollateral
	FeesExceedCollateral
	LiquidationFeesExceedCollateral
	MaxLeverageExceeded
)

// Liquidity safety
const (
	InvalidIncrease Code = iota + 80
	PoolAmountExceeded
	ReserveExceedsPool
	MaxUsdgExceeded
	PoolBelowBuffer
	InsufficientReserve
	InsufficientGuaranteedUsd
)

// Category groups codes for metrics and transport mapping.
type Category string

const (
	CategoryConfiguration   Category = "configuration"
	CategoryAuthorization   Category = "authorization"
	CategoryMarketState     Category = "market_state"
	CategoryPositionSafety  Category = "position_safety"
	CategoryLiquiditySafety Category = "liquidity_safety"
	CategoryUnknown         Category = "unknown"
)

// CategoryOf returns the category a code belongs to.
func CategoryOf(c Code) Category {
	switch {
	case c >= AlreadyInitialized && c <= InvalidTokenDecimals:
		return CategoryConfiguration
	case c >= Forbidden && c <= ControllerForbidden:
		return CategoryAuthorization
	case c >= TokenNotWhitelisted && c <= InvalidAmountIn:
		return CategoryMarketState
	case c >= InsufficientCollateralForFees && c <= MaxLeverageExceeded:
		return CategoryPositionSafety
	case c >= InvalidIncrease && c <= InsufficientGuaranteedUsd:
		return CategoryLiquiditySafety
	default:
		return CategoryUnknown
	}
}

var defaultMessages = map[Code]string{
	AlreadyInitialized:              "Vault: already initialized",
	NotInitialized:                  "Vault: not initialized",
	InvalidMaxLeverage:              "Vault: invalid _maxLeverage",
	InvalidTaxBasisPoints:           "Vault: invalid _taxBasisPoints",
	InvalidStableTaxBasisPoints:     "Vault: invalid _stableTaxBasisPoints",
	InvalidMintBurnFeeBasisPoints:   "Vault: invalid _mintBurnFeeBasisPoints",
	InvalidSwapFeeBasisPoints:       "Vault: invalid _swapFeeBasisPoints",
	InvalidStableSwapFeeBasisPoints: "Vault: invalid _stableSwapFeeBasisPoints",
	InvalidMarginFeeBasisPoints:     "Vault: invalid _marginFeeBasisPoints",
	InvalidLiquidationFeeUsd:        "Vault: invalid _liquidationFeeUsd",
	InvalidFundingInterval:          "Vault: invalid _fundingInterval",
	InvalidFundingRateFactor:        "Vault: invalid _fundingRateFactor",
	InvalidStableFundingRateFactor:  "Vault: invalid _stableFundingRateFactor",
	InvalidTokenDecimals:            "Vault: invalid _tokenDecimals",

	Forbidden:           "Vault: forbidden",
	ManagerForbidden:    "Vault: forbidden",
	InvalidLiquidator:   "Vault: invalid liquidator",
	InvalidRouter:       "Vault: invalid msg.sender",
	ControllerForbidden: "VaultErrorController: forbidden",

	TokenNotWhitelisted:       "Vault: token not whitelisted",
	SwapsNotEnabled:           "Vault: swaps not enabled",
	LeverageNotEnabled:        "Vault: leverage not enabled",
	MaxGasPriceExceeded:       "Vault: maxGasPrice exceeded",
	InvalidTokens:             "Vault: invalid tokens",
	MismatchedTokens:          "Vault: mismatched tokens",
	CollateralNotWhitelisted:  "Vault: _collateralToken not whitelisted",
	CollateralMustNotBeStable: "Vault: _collateralToken must not be a stableToken",
	CollateralMustBeStable:    "Vault: _collateralToken must be a stableToken",
	IndexMustNotBeStable:      "Vault: _indexToken must not be a stableToken",
	IndexNotShortable:         "Vault: _indexToken not shortable",
	Reentrant:                 "ReentrancyGuard: reentrant call",
	InvalidTokenAmount:        "Vault: invalid tokenAmount",
	InvalidUsdgAmount:         "Vault: invalid usdgAmount",
	InvalidRedemptionAmount:   "Vault: invalid redemptionAmount",
	InvalidAmountOut:          "Vault: invalid amountOut",
	InvalidAmountIn:           "Vault: invalid amountIn",

	InsufficientCollateralForFees:   "Vault: insufficient collateral for fees",
	InvalidPositionSize:             "Vault: invalid position.size",
	EmptyPosition:                   "Vault: empty position",
	PositionSizeExceeded:            "Vault: position size exceeded",
	PositionCollateralExceeded:      "Vault: position collateral exceeded",
	PositionCannotBeLiquidated:      "Vault: position cannot be liquidated",
	InvalidAveragePrice:             "Vault: invalid _averagePrice",
	CollateralShouldBeWithdrawn:     "Vault: collateral should be withdrawn",
	SizeMustExceedCollateral:        "Vault: _size must be more than _collateral",
	LossesExceedCollateral:          "Vault: losses exceed collateral",
	FeesExceedCollateral:            "Vault: fees exceed collateral",
	LiquidationFeesExceedCollateral: "Vault: liquidation fees exceed collateral",
	MaxLeverageExceeded:             "Vault: maxLeverage exceeded",

	InvalidIncrease:           "Vault: invalid increase",
	PoolAmountExceeded:        "Vault: poolAmount exceeded",
	ReserveExceedsPool:        "Vault: reserve exceeds pool",
	MaxUsdgExceeded:           "Vault: max USDG exceeded",
	PoolBelowBuffer:           "Vault: poolAmount < buffer",
	InsufficientReserve:       "Vault: insufficient reserve",
	InsufficientGuaranteedUsd: "Vault: insufficient guaranteedUsd",
}
