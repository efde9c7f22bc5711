// Package api serves the REST API under /api/v1.
//
// # Routes
//
// Authentication: /login/, /logout/, /profile/, /password-recovery/,
// /activate/ and the external flow /auth/{alias}/login/ and
// /auth/{alias}/callback/.
//
// Accounts: /users/, /groups/ with their members, /projects/ with their
// permissions and the permissions of each application within a project.
//
// Administration: /settings/ (installed modules), /entry-points/,
// /access-levels/, /logs/, /account-synchronization/ and /health-check/.
//
// Imaging: /projects/{lookup}/imaging/data/ with the .npy data of each map,
// its pinwheels and rectangular regions.
//
// # Conventions
//
// Lists are paginated with ?profile=basic (20 items) or ?profile=light
// (6 items) and ?page=; errors are written as {"detail": ..., "code": ...}
// with the status of the error kind.
//
// # Usage
//
//	srv := api.NewServer(api.Deps{
//		DB:       db,
//		Access:   accessSvc,
//		Registry: registry,
//		Pipeline: pipeline,
//		Accounts: accounts,
//		Logs:     logSvc,
//	})
//	http.ListenAndServe(":8000", srv)
package api
