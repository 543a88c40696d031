// Package api serves a read-only HTTP view of the bridge: health, device
// sessions and recorded value history.
//
// # Endpoints
//
//	GET /api/v1/health                  bridge health report (503 while starting or stopping)
//	GET /api/v1/devices                 every configured device with relay counters
//	GET /api/v1/devices/{id}            one device, plus its newest recorded values
//	GET /api/v1/devices/{id}/history    recorded values, newest first
//	                                    ?characteristic=<name>&limit=<1..1000>
//
// History endpoints answer 503 when the bridge runs without a database.
//
//	srv, err := api.New(deps)
//	if err := srv.Start(ctx); err != nil { ... }
//	defer srv.Close()
package api
