// Package httpmw holds the HTTP middleware that every request to the
// try-on service passes through: security headers, CORS, client IP
// resolution, request IDs, body limits, panic recovery, and access
// logging. Middleware here is composed with Chain so ordering stays
// explicit at route-registration time.
package httpmw
