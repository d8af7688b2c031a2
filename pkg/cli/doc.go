// Package cli implements hookrelay-cli, a command line client for the
// hookrelay admin API.
//
// # Commands
//
//	hookrelay-cli subscriptions                       # list subscriptions
//	hookrelay-cli apply -file subscriptions.yaml      # create or update from YAML
//	hookrelay-cli publish -type producto.creado -data '{"id":"42"}'
//	hookrelay-cli deliveries -event <event-id>
//	hookrelay-cli dead-letters -limit 20
//	hookrelay-cli breakers
//	hookrelay-cli reset-breaker -endpoint https://erp.example.com
//
// API commands read -server and -token, defaulting to HOOKRELAY_SERVER and
// HOOKRELAY_TOKEN. The YAML file uses the same format as the server's
// HOOKRELAY_SUBSCRIPTIONS_FILE.
//
// sign and verify work offline, for testing receivers:
//
//	hookrelay-cli sign -secret s3cret -file body.json
//	hookrelay-cli verify -secret s3cret -file body.json -signature sha256=... -timestamp 1760529600
package cli
