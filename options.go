package shard

// shardOptions holds configuration resolved from a set of ShardOption
// values at Shard construction time.
type shardOptions struct {
	logger         Logger
	debugMode      bool
	metricsEnabled bool
}

// ShardOption configures a Shard at construction time.
type ShardOption interface {
	applyShard(*shardOptions) error
}

type shardOptionFunc func(*shardOptions) error

func (f shardOptionFunc) applyShard(opts *shardOptions) error { return f(opts) }

// WithLogger sets the Logger a Shard reports broken promises, unhandled
// exceptions and framework defects to. The default is NewNoOpLogger.
func WithLogger(logger Logger) ShardOption {
	return shardOptionFunc(func(opts *shardOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithDebugMode enables capturing the call stack at future-creation time,
// so broken-promise and unhandled-exception log entries can be annotated
// with the site that created the future. Off by default: capturing a
// stack on every NewPromise call is not free.
func WithDebugMode(enabled bool) ShardOption {
	return shardOptionFunc(func(opts *shardOptions) error {
		opts.debugMode = enabled
		return nil
	})
}

// WithMetrics enables per-scheduling-group accumulated-runtime tracking,
// queryable via Shard.Metrics.
func WithMetrics(enabled bool) ShardOption {
	return shardOptionFunc(func(opts *shardOptions) error {
		opts.metricsEnabled = enabled
		return nil
	})
}

func resolveShardOptions(opts []ShardOption) (*shardOptions, error) {
	cfg := &shardOptions{logger: NewNoOpLogger()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyShard(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// scheduleGroupOptions holds configuration for CreateScheduleGroup.
type scheduleGroupOptions struct {
	shares int
}

// ScheduleGroupOption configures a ScheduleGroup at creation time.
type ScheduleGroupOption interface {
	applyScheduleGroup(*scheduleGroupOptions) error
}

type scheduleGroupOptionFunc func(*scheduleGroupOptions) error

func (f scheduleGroupOptionFunc) applyScheduleGroup(opts *scheduleGroupOptions) error { return f(opts) }

// WithShares sets the share weight used by the deficit round-robin group
// selector. Defaults to 100, matching Seastar's default scheduling_group
// shares.
func WithShares(shares int) ScheduleGroupOption {
	return scheduleGroupOptionFunc(func(opts *scheduleGroupOptions) error {
		opts.shares = shares
		return nil
	})
}

func resolveScheduleGroupOptions(opts []ScheduleGroupOption) (*scheduleGroupOptions, error) {
	cfg := &scheduleGroupOptions{shares: 100}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduleGroup(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// runtimeOptions holds configuration for NewRuntime.
type runtimeOptions struct {
	shardOptions []ShardOption
}

// RuntimeOption configures a Runtime at construction time.
type RuntimeOption interface {
	applyRuntime(*runtimeOptions) error
}

type runtimeOptionFunc func(*runtimeOptions) error

func (f runtimeOptionFunc) applyRuntime(opts *runtimeOptions) error { return f(opts) }

// WithShardOptions applies the given ShardOptions to every Shard a
// Runtime constructs.
func WithShardOptions(opts ...ShardOption) RuntimeOption {
	return runtimeOptionFunc(func(cfg *runtimeOptions) error {
		cfg.shardOptions = append(cfg.shardOptions, opts...)
		return nil
	})
}

func resolveRuntimeOptions(opts []RuntimeOption) (*runtimeOptions, error) {
	cfg := &runtimeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
