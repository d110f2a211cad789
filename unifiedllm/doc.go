// Package unifiedllm is the language model client used by the agent loop.
//
// A Client routes a Request to a registered ProviderAdapter by provider name
// and runs it through an onion of Middleware. The transcript model is
// deliberately small: a Message carries a role, text content, the tool calls
// an assistant issued and, for tool messages, the ID of the call it answers.
//
// GollmAdapter is the production backend. It renders the transcript into a
// gollm prompt, registers the tool schema, and parses tool calls out of the
// generated text.
//
//	adapter, err := unifiedllm.NewGollmAdapter("openai", apiKey,
//	    unifiedllm.WithModel("gpt-4o-mini"),
//	    unifiedllm.WithTemperature(0.2),
//	)
//	if err != nil {
//	    return err
//	}
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
//	)
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("hello")},
//	})
//
// Errors returned by adapters belong to the hierarchy in errors.go;
// IsRetryable reports whether RetryMiddleware may try the call again.
package unifiedllm
