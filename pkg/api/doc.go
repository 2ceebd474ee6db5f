/*
Package api implements the txrelay query HTTP surface.

The server is read-only. It lets operators and integrators inspect
subscriptions and their notification history, and exposes the health,
readiness and Prometheus endpoints.

# Endpoints

	GET /subscriptions                      list, filtered by query parameters
	GET /subscriptions/{id}                 one subscription
	GET /subscriptions/{id}/notifications   deliveries for a subscription, by nonce
	GET /notifications/{id}                 one notification
	GET /health                             liveness
	GET /ready                              readiness (storage + critical components)
	GET /metrics                            Prometheus metrics

List filters are ANDed and all optional:

	status=inactive|active|done|rejected
	scope=<event scope>
	type=transaction.status
	excludeExpired=true|false

Unknown ids answer 404 with {"error": "..."}; malformed filters answer 400.
Store failures answer 500 without leaking the underlying error.

Responses use view types. A subscription's handshake secret never leaves the
process.

# Usage

	srv := api.NewServer(subscriptions, dispatcher).WithVersion(Version)
	go func() {
		if err := srv.Start(":8080"); err != nil {
			log.Logger.Error().Err(err).Msg("query API stopped")
		}
	}()
	defer srv.Shutdown(ctx)
*/
package api
