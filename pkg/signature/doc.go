// Package signature signs outbound webhook payloads and verifies them on the receiving side.
//
// # Overview
//
// Payloads are serialized to canonical JSON (sorted keys, no insignificant
// whitespace) and authenticated with HMAC-SHA256. The hex digest travels in the
// X-Webhook-Signature header as "sha256=<hex>".
//
// # Usage Example
//
// Sender:
//
//	body, _ := signature.Canonicalize(envelope)
//	req.Header.Set("X-Webhook-Signature", signature.FormatHeader(signature.SignBytes(body, secret)))
//	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(signature.Timestamp(), 10))
//
// Receiver:
//
//	if !signature.Verify(rawBody, r.Header.Get("X-Webhook-Signature"), secret) {
//		return errors.New("invalid signature")
//	}
//
// Verification always runs over the exact received bytes, never a
// re-serialization.
//
// # Replay Protection
//
// ValidateTimestamp rejects timestamps older than five minutes or more than
// sixty seconds in the future.
//
// # Idempotency
//
// IdempotencyKey derives eventType-entityId-action-YYYY-MM-DD. Receivers use it
// to apply retried deliveries at most once.
package signature
