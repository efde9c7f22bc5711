// Package httputil holds the HTTP helpers shared by every handler: the
// {detail, code} error envelope, JSON request parsing, pagination
// profiles and small middleware.
//
// Handlers never choose a status for an error themselves:
//
//	if err != nil {
//		httputil.WriteAPIError(w, r, err)
//		return
//	}
//
// List endpoints page their results with the output profile named in
// ?profile= (basic: 20 items, light: 6):
//
//	p, err := httputil.ParsePagination(r)
//	...
//	httputil.WriteSuccess(w, httputil.NewPage(r, p, count, items))
package httputil
