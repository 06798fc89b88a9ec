package synth

// Kind is the typed dispatch class of a descriptor option.
type Kind int

const (
	// KindUnknown is the explicit variant for unmapped option names.
	KindUnknown Kind = iota
	// KindDirect passes the value through unchanged (the image reference).
	KindDirect
	// KindFlag appends the value after a fixed flag token; comma-separated
	// values expand to repeated flag/value pairs.
	KindFlag
	// KindFlagWhole appends the value after a fixed flag token without
	// comma expansion; used for flags whose own syntax is comma-delimited.
	KindFlagWhole
	// KindPort normalizes port-mapping shorthands to -p tokens.
	KindPort
	// KindVolume normalizes volume shorthands to -v tokens.
	KindVolume
	// KindEnv normalizes environment declarations to -e tokens.
	KindEnv
	// KindLabel normalizes label declarations to --label tokens.
	KindLabel
	// KindBool emits the bare flag only when the value is literally "true".
	KindBool
	// KindTrailing splits the value into tokens appended after the image.
	KindTrailing
	// KindIgnore marks metadata-only options that never reach the runtime.
	KindIgnore
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindFlag:
		return "flag"
	case KindFlagWhole:
		return "flag-whole"
	case KindPort:
		return "port"
	case KindVolume:
		return "volume"
	case KindEnv:
		return "env"
	case KindLabel:
		return "label"
	case KindBool:
		return "bool"
	case KindTrailing:
		return "trailing"
	case KindIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Handler pairs a dispatch kind with the runtime flag it emits.
type Handler struct {
	Kind Kind
	Flag string
}

// Mapping is the static option-name → handler table. Defined once at
// startup, read-only afterwards.
type Mapping map[string]Handler

// DefaultMapping returns the handler table for docker launch arguments.
func DefaultMapping() Mapping {
	return Mapping{
		"image": {Kind: KindDirect},

		"network":      {Kind: KindFlag, Flag: "--network"},
		"hostname":     {Kind: KindFlag, Flag: "--hostname"},
		"restart":      {Kind: KindFlag, Flag: "--restart"},
		"user":         {Kind: KindFlag, Flag: "--user"},
		"memory":       {Kind: KindFlag, Flag: "--memory"},
		"cpus":         {Kind: KindFlag, Flag: "--cpus"},
		"entrypoint":   {Kind: KindFlag, Flag: "--entrypoint"},
		"device":       {Kind: KindFlag, Flag: "--device"},
		"devices":      {Kind: KindFlag, Flag: "--device"},
		"cap_add":      {Kind: KindFlag, Flag: "--cap-add"},
		"cap_drop":     {Kind: KindFlag, Flag: "--cap-drop"},
		"dns":          {Kind: KindFlag, Flag: "--dns"},
		"stop_timeout": {Kind: KindFlag, Flag: "--stop-timeout"},
		"shm_size":     {Kind: KindFlag, Flag: "--shm-size"},

		// Flags whose own value syntax uses commas must not be expanded.
		"mount":   {Kind: KindFlagWhole, Flag: "--mount"},
		"mounts":  {Kind: KindFlagWhole, Flag: "--mount"},
		"sysctl":  {Kind: KindFlagWhole, Flag: "--sysctl"},
		"sysctls": {Kind: KindFlagWhole, Flag: "--sysctl"},
		"log_opt": {Kind: KindFlagWhole, Flag: "--log-opt"},

		"port":    {Kind: KindPort, Flag: "-p"},
		"ports":   {Kind: KindPort, Flag: "-p"},
		"volume":  {Kind: KindVolume, Flag: "-v"},
		"volumes": {Kind: KindVolume, Flag: "-v"},
		"env":     {Kind: KindEnv, Flag: "-e"},
		"environment": {
			Kind: KindEnv, Flag: "-e",
		},
		"label":  {Kind: KindLabel, Flag: "--label"},
		"labels": {Kind: KindLabel, Flag: "--label"},

		"healthcheck_cmd":      {Kind: KindFlag, Flag: "--health-cmd"},
		"healthcheck_interval": {Kind: KindFlag, Flag: "--health-interval"},
		"healthcheck_timeout":  {Kind: KindFlag, Flag: "--health-timeout"},
		"healthcheck_retries":  {Kind: KindFlag, Flag: "--health-retries"},

		"privileged": {Kind: KindBool, Flag: "--privileged"},
		"read_only":  {Kind: KindBool, Flag: "--read-only"},
		"init":       {Kind: KindBool, Flag: "--init"},

		"command": {Kind: KindTrailing},

		// Metadata consumed elsewhere in the orchestrator, never emitted.
		"proxy_domain": {Kind: KindIgnore},
		"description":  {Kind: KindIgnore},
		"port_note":    {Kind: KindIgnore},
		"post_start":   {Kind: KindIgnore},
		"vpn_only":     {Kind: KindIgnore},
	}
}

// Resolve returns the handler for an option name, falling back to the
// explicit unknown variant rather than silently dropping the option.
func (m Mapping) Resolve(key string) Handler {
	if handler, ok := m[key]; ok {
		return handler
	}
	return Handler{Kind: KindUnknown}
}
