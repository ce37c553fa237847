package domain

// TelemetryRedaction directs how a single measurement attribute is exported.
// Strategy is one of "drop", "mask", "hash" or "replace".
type TelemetryRedaction struct {
	Attribute string `yaml:"attribute"`
	Strategy  string `yaml:"strategy"`
}

// RedactionPolicy controls which probed context values leave the process as
// span attributes. Drop lists attributes that are removed outright.
type RedactionPolicy struct {
	Drop       []string             `yaml:"drop"`
	Redactions []TelemetryRedaction `yaml:"redactions"`
}
