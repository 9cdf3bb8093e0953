package nat

import (
	"context"
	"fmt"
	"log/slog"
)

// EnsureChain makes sure chain exists in table and is empty.
func EnsureChain(ctx context.Context, executor Executor, table string, chain string, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	exists, err := executor.ChainExists(ctx, table, chain)
	if err != nil {
		return fmt.Errorf("determine chain existence: %w", err)
	}

	if exists {
		logger.Info("flushing existing chain", slog.String("table", table), slog.String("chain", chain))
		if err := executor.Run(ctx, iptablesBinary, "-w", iptablesWaitSeconds, "-t", table, "-F", chain); err != nil {
			return fmt.Errorf("flush chain %s: %w", chain, err)
		}
		return nil
	}

	logger.Info("creating chain", slog.String("table", table), slog.String("chain", chain))
	if err := executor.Run(ctx, iptablesBinary, "-w", iptablesWaitSeconds, "-t", table, "-N", chain); err != nil {
		return fmt.Errorf("create chain %s: %w", chain, err)
	}
	return nil
}

// RuleExists reports whether ruleSpec is already present in table/chain.
func RuleExists(ctx context.Context, executor Executor, table string, chain string, ruleSpec ...string) (bool, error) {
	args := append([]string{"-w", iptablesWaitSeconds, "-t", table, "-C", chain}, ruleSpec...)
	if err := executor.Run(ctx, iptablesBinary, args...); err != nil {
		if isExitCode(err, 1) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureRule inserts ruleSpec at the top of table/chain unless it is already present.
func EnsureRule(ctx context.Context, executor Executor, table string, chain string, logger *slog.Logger, ruleSpec ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	exists, err := RuleExists(ctx, executor, table, chain, ruleSpec...)
	if err != nil {
		return fmt.Errorf("check rule in %s: %w", chain, err)
	}
	if exists {
		logger.Debug("rule already present", slog.String("table", table), slog.String("chain", chain), slog.Any("rule", ruleSpec))
		return nil
	}

	logger.Info("inserting rule", slog.String("table", table), slog.String("chain", chain), slog.Any("rule", ruleSpec))
	args := append([]string{"-w", iptablesWaitSeconds, "-t", table, "-I", chain, "1"}, ruleSpec...)
	if err := executor.Run(ctx, iptablesBinary, args...); err != nil {
		return fmt.Errorf("insert rule in %s: %w", chain, err)
	}
	return nil
}
