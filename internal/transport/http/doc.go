// Package http implements the HTTP handlers of the operations console.
//
// Handlers stay thin: they decode the request, call the license controller
// and render the result. Failures go through the shared ErrorHandler so
// every error body is an RFC 7807 problem:
//
//	{
//	    "type": "/errors/license/rejected",
//	    "title": "License Rejected",
//	    "status": 422,
//	    "detail": "License key already in use",
//	    "instance": "/api/license/activate",
//	    "trace_id": "..."
//	}
//
// The activation dialog endpoints under /api/license/dialog return HTML
// fragments rendered by the gate package; everything else returns JSON.
package http
