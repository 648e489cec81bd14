// Package config loads application configuration from RANKFORGE_-prefixed
// environment variables and validates it before startup.
//
// Every setting has a default suitable for local development; a production
// deployment typically sets at minimum:
//
//	RANKFORGE_STORAGE_TYPE=postgres
//	RANKFORGE_POSTGRES_URL=postgres://...
//	RANKFORGE_WEBHOOK_SECRET=whsec_...
//	RANKFORGE_REDIS_URL=redis://...
//
// Validation fails fast on missing required values so a misconfigured pod
// crashes at boot instead of serving with a broken backend.
package config
