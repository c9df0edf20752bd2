package config

import (
	"fmt"
	"net"
	"time"

	"github.com/expr-lang/expr"

	"github.com/MaxSonchik/DevOS/internal/utils/fmtutil"
	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

// Validate checks the configuration for errors.
// Validate 检查配置是否存在错误。
func (c *GlobalConfig) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config error: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config error: %w", err)
	}
	if err := c.Expiry.Validate(); err != nil {
		return fmt.Errorf("expiry config error: %w", err)
	}
	if c.State.Enabled && c.State.Path == "" {
		return fmt.Errorf("state config error: %w", fwerrors.NewConfigError("state.path", `""`))
	}
	if err := c.AutoBlock.Validate(); err != nil {
		return fmt.Errorf("autoblock config error: %w", err)
	}
	return nil
}

func (c *APIConfig) Validate() error {
	if c.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fwerrors.NewConfigError("api.listen", c.Listen)
	}
	return nil
}

func (c *BackendConfig) Validate() error {
	switch c.Type {
	case BackendNFT, BackendXDP, BackendMemory:
	default:
		return fwerrors.NewConfigError("backend.type", c.Type)
	}
	if c.Timeout != "" {
		if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
			return fwerrors.NewConfigError("backend.timeout", c.Timeout)
		}
	}
	return nil
}

func (c *ExpiryConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fwerrors.NewConfigError("expiry.max_attempts", c.MaxAttempts)
	}
	for field, v := range map[string]string{"expiry.initial_delay": c.InitialDelay, "expiry.max_delay": c.MaxDelay} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fwerrors.NewConfigError(field, v)
		}
	}
	if c.BackoffFactor != 0 && c.BackoffFactor < 1 {
		return fwerrors.NewConfigError("expiry.backoff_factor", c.BackoffFactor)
	}
	return nil
}

// Validate compiles every rule condition so mistakes surface at load time.
// Validate 编译每条规则的条件，使错误在加载时暴露。
func (c *AutoBlockConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule #%d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule #%d: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if r.Match != "" {
			if _, err := expr.Compile(r.Match, expr.Env(ConditionEnv{}), expr.AsBool()); err != nil {
				return fmt.Errorf("rule %q: match: %w", r.Name, err)
			}
		}
		if r.Condition == "" {
			return fmt.Errorf("rule %q: condition is required", r.Name)
		}
		if _, err := expr.Compile(r.Condition, expr.Env(ConditionEnv{}), expr.AsBool()); err != nil {
			return fmt.Errorf("rule %q: condition: %w", r.Name, err)
		}
		if r.Window != "" {
			if d, err := time.ParseDuration(r.Window); err != nil || d <= 0 {
				return fmt.Errorf("rule %q: %w", r.Name, fwerrors.NewConfigError("window", r.Window))
			}
		}
		if r.Duration != "" {
			if _, err := fmtutil.ParseDuration(r.Duration); err != nil {
				return fmt.Errorf("rule %q: %w", r.Name, err)
			}
		}
	}
	return nil
}

// ConditionEnv is the environment auto-block conditions are evaluated in.
// ConditionEnv 是自动封禁条件求值时的环境。
type ConditionEnv struct {
	Hits int    `expr:"hits"`
	Line string `expr:"line"`
	IP   string `expr:"ip"`
}
