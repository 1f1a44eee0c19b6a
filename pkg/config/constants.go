package config

// EnvPrefix is intentionally empty: every field spells out its full
// STARFORGE_* variable name in its envconfig tag.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "STARFORGE_DB_DSN"
	EnvDBHost = "STARFORGE_DB_HOST"
	EnvDBUser = "STARFORGE_DB_USER"
	EnvDBName = "STARFORGE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
