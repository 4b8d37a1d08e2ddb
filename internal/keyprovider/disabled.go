package keyprovider

import "context"

// Disabled is the explicit "no encryption" mode. Every key operation fails.
type Disabled struct{}

func (Disabled) GenerateDataKey(context.Context) (*DataKey, error) {
	return nil, ErrProviderDisabled
}

func (Disabled) UnwrapKey(context.Context, []byte) ([]byte, error) {
	return nil, ErrProviderDisabled
}

func (Disabled) IsEnabled() bool { return false }

func (Disabled) HealthCheck(context.Context) bool { return false }

func (Disabled) Strategy() Strategy { return StrategyDisabled }
