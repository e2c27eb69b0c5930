// Package signing builds the pre-computed {method, hostname, path,
// headers, body} SignedRequest for upstream providers that
// require out-of-band request signing or URL rewriting before the proxy
// makes the call: AWS SigV4 over Bedrock, Azure OpenAI's deployment-path
// rewrite, and Google AI's query-string API-key injection.
package signing
