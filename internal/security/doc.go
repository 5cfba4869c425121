// Package security provides request hardening for the chat pipeline.
//
// Three validators cover the places untrusted or semi-trusted input
// turns into an outbound action:
//
// URL Validator: prevents SSRF (CWE-918) when the model directs a web
// fetch. It blocks private ranges, loopback, link-local, cloud metadata
// endpoints, and dangerous hostnames.
//
//	urlVal := security.NewURL()
//	if err := urlVal.Validate(rawURL); err != nil {
//	    return fmt.Errorf("SSRF attempt blocked: %w", err)
//	}
//	// SafeTransport re-checks resolved IPs at dial time
//	client := &http.Client{Transport: urlVal.SafeTransport()}
//
// Command Validator: screens operator-configured MCP server launches
// (CWE-78). It rejects shell metacharacters in the executable name,
// destructive binaries by basename, and obviously malicious arguments.
//
//	cmdVal := security.NewCommand()
//	if err := cmdVal.Validate(cmd, args); err != nil {
//	    return fmt.Errorf("launch rejected: %w", err)
//	}
//
// Prompt Validator: flags common prompt injection patterns in inbound
// messages. Detection feeds the audit log; it does not reject requests,
// because no pattern list is complete and false positives on legitimate
// text are routine.
//
//	result := security.NewPromptValidator().Validate(message)
//	if !result.Safe {
//	    logger.Warn("possible prompt injection", "patterns", result.Patterns)
//	}
//
// Validators intentionally both log and return errors. This is a
// deliberate exception to the "handle errors once" rule: security events
// need an audit trail AND the caller must be able to deny the operation.
package security
