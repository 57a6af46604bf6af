// Package webhook lets an external service (a git forge, a CI system) start a
// run by POSTing an HMAC-SHA256 signed body.
//
// The signature is read from a configurable header and accepted either as
// "sha256=<hex>" (GitHub X-Hub-Signature-256) or plain hex. Verification
// failures always answer a generic 403 and the body is never logged.
//
//	api:
//	  webhook:
//	    path: /webhook/github
//	    secret: ${GITHUB_WEBHOOK_SECRET}
//	    signature_header: X-Hub-Signature-256
//	    max_body_size: 1MiB
package webhook
