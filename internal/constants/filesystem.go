package constants

// DefaultConfigPath is where the controller looks for its configuration
// when neither --config nor DEPLOYSYNC_CONFIG is set.
const DefaultConfigPath = "/etc/deploysync/deploysync.hcl"
