package strategy

import (
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
)

type factory func(params map[string]any, logger *zap.Logger) (Strategy, error)

var factories = map[string]factory{
	KindRSIMACD: func(params map[string]any, _ *zap.Logger) (Strategy, error) {
		p := DefaultRSIMACDParams()
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewRSIMACD(p)
	},
	KindBollinger: func(params map[string]any, _ *zap.Logger) (Strategy, error) {
		p := DefaultBollingerParams()
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewBollinger(p)
	},
	KindMovingAverage: func(params map[string]any, _ *zap.Logger) (Strategy, error) {
		p := DefaultMovingAverageParams()
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewMovingAverage(p)
	},
	KindMomentum: func(params map[string]any, _ *zap.Logger) (Strategy, error) {
		p := DefaultMomentumParams()
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewMomentum(p)
	},
	KindAdaptive: func(params map[string]any, logger *zap.Logger) (Strategy, error) {
		p := DefaultAdaptiveParams()
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return NewAdaptive(p, logger)
	},
}

// New 按类型构造策略。params 覆盖默认参数，未知键视为错误
func New(kind string, params map[string]any, logger *zap.Logger) (Strategy, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (known: %v)", kind, Kinds())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := f(params, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", kind, err)
	}
	return s, nil
}

// Kinds 已注册的策略类型
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
