// Package logs keeps a trace of every API request.
//
// The Middleware opens a Log row when a request arrives and stores the
// response status and body when the handler returns. Messages logged
// through observability.FromContext while the request is served become
// LogRecords of that Log through the Hook:
//
//	logger.AddHook(logs.NewHook(svc))
//	router.Use(svc.Middleware)
package logs
