package stages

import "github.com/kingrea/labflow/internal/stage"

// RegisterBuiltins installs every built-in stage kind.
func RegisterBuiltins(reg *stage.Registry) error {
	factories := map[stage.Kind]stage.Factory{
		stage.KindBulkRemove:  NewBulkRemove,
		stage.KindWashRemove:  NewWashRemove,
		stage.KindWashAdd:     NewWashAdd,
		stage.KindMixTransfer: NewMixTransfer,
		stage.KindResuspend:   NewResuspend,
		stage.KindDistribute:  NewDistribute,
		stage.KindWellMix:     NewWellMix,
		stage.KindPause:       NewPause,
		stage.KindDelay:       NewDelay,
	}
	for kind, factory := range factories {
		if err := reg.Register(kind, factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with the built-in kinds installed.
func NewRegistry() *stage.Registry {
	reg := stage.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		panic(err)
	}
	return reg
}
