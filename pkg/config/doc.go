// Package config loads the service configuration from CLINAUDIT_*
// environment variables and the policy file.
//
// # Environment
//
// Server settings:
//
//	CLINAUDIT_HOST="0.0.0.0"
//	CLINAUDIT_PORT="8080"
//	CLINAUDIT_HEALTH_PORT="9090"
//
// Storage settings:
//
//	CLINAUDIT_DATABASE_URL="postgres://localhost/clinaudit?sslmode=disable"
//	CLINAUDIT_DATABASE_REPLICA_URLS="postgres://replica-1/clinaudit,postgres://replica-2/clinaudit"
//	CLINAUDIT_REDIS_URL="redis://localhost:6379/0"
//
// Reconciliation:
//
//	CLINAUDIT_SCHEDULER_INTERVAL="60s"
//	CLINAUDIT_BATCH_SIZE="500"
//
// Authentication:
//
//	CLINAUDIT_OIDC_ISSUER="https://idp.example.org/realms/research"
//	CLINAUDIT_OIDC_CLIENT_ID="clinaudit"
//	CLINAUDIT_OIDC_CLIENT_SECRET="..."   # with the redirect URL, enables /auth/login
//	CLINAUDIT_OIDC_REDIRECT_URL="https://clinaudit.example.org/auth/callback"
//	CLINAUDIT_ADMIN_ROLES="ADMIN,SYSADMIN,ACCOUNTADMIN"
//
// Archive:
//
//	CLINAUDIT_S3_BUCKET="clinaudit-archive"
//	CLINAUDIT_S3_ENDPOINT="http://minio:9000"
//	CLINAUDIT_S3_USE_PATH_STYLE="true"
//
// Observability:
//
//	CLINAUDIT_LOG_LEVEL="info"  # debug, info, warn, error
//	CLINAUDIT_LOG_FORMAT="json" # json, text
//	CLINAUDIT_OTEL_ENABLED="true"
//	CLINAUDIT_OTEL_ENDPOINT="otel-collector:4317"
//	CLINAUDIT_OTEL_SAMPLE_RATIO="0.25" # fraction of root traces kept
//
// # Policy file
//
// CLINAUDIT_POLICY_FILE names a YAML document with the watched tables and
// validation rules; see Policy. WatchPolicy reloads the rules on change.
package config
