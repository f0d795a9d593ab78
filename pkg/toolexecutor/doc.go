// Package toolexecutor registers tools and dispatches model tool calls to them.
//
// Invariants:
// - Tool names are unique; Schemas preserves registration order.
// - Required parameters are checked before the JSON schema, and both before
//   any handler runs.
// - Every failure is returned as a typed error: *UnknownToolError,
//   *InvalidArgumentsError, *ToolExecutionError or *ApprovalRequiredError.
// - The registry never retries.
//
// Usage:
//
//	reg := toolexecutor.New(toolexecutor.Options{})
//	_ = reg.Register(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	res, err := reg.Dispatch(ctx, "echo", map[string]interface{}{"text": "hi"}, &toolexecutor.ExecutionContext{SessionID: "s1"})
package toolexecutor
