// Package backend defines the adapter contract between the orchestrator and
// agent providers.
//
// # Adapter Contract
//
// An Adapter runs one turn and streams normalized events:
//
//	Invoke(ctx, TurnRequest) (<-chan Event, error)
//	Interrupt(conversationID) error
//
// The event channel is closed when the turn ends, for any reason. Interrupt
// requests a graceful stop of the conversation's in-flight turn; the adapter
// still delivers whatever terminal events it can before closing the channel.
//
// # Event Taxonomy
//
// Events carry a Kind plus exactly one matching payload: session_started,
// assistant_text, assistant_delta, tool_use, tool_result, permission,
// research_progress, research_result, result, error. Permission events carry
// a response channel the orchestrator answers after consulting the operator.
//
// # Router
//
// The Router maps agent types to registered adapters. The set is open:
// "claude" is served by the CLI subprocess or SDK adapter depending on
// configuration, "research" by the web-search adapter.
//
// Implementations live in the claudecli, agentsdk, and research subpackages.
package backend
