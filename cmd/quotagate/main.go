// Quotagate is an admission-control server for subscription APIs.
//
// Every request passes a process-wide rate limit, presents a bearer token or
// API key, and is counted against its subscriber's daily and monthly plan
// quota before it reaches the protected routes.
//
// Usage:
//
//	# Start the server
//	quotagate serve --config quotagate.yaml
//
//	# Issue an API key for a subscriber
//	quotagate keys create --owner sub_123 --plan pro --name ci
//
//	# Sign a development bearer token
//	quotagate token sign --subject sub_123 --plan pro
//
//	# Clear a subscriber's current counters
//	quotagate quota reset --subscriber sub_123
package main

func main() {
	Execute()
}
