// Package api is the entitlement service HTTP surface: the billing webhook
// receiver, tenant entitlement and usage reads, feature checks, and quota
// consumption for internal services.
//
// The webhook receiver verifies the provider signature before anything else;
// the reconciliation engine never sees unverified input. Verified events
// that fail to apply are acknowledged with 202 and left unmarked so provider
// redelivery converges.
package api
