// Package agentloop implements the code-generation agent loop.
//
// A run pairs a language model with three sandbox tools (terminal,
// createOrUpdateFiles and readFiles) and iterates until the model reports a
// task summary, stops making progress, or reaches the iteration ceiling. The
// result, with every file written during the run, is then persisted as a
// fragment.
//
// Every side effect of a run is a durable step (see package durable): the
// sandbox creation, each model turn, each tool call, the sandbox URL and the
// final save. Re-running a run ID replays recorded steps, rebuilding the
// transcript and file state, and continues from the first unrecorded step.
//
// # Architecture
//
//   - Agent: the orchestration loop. Holds injected dependencies (Deps).
//   - Dispatcher: executes parsed tool invocations against a sandbox.
//   - CommandPolicy: the allow-list guarding the terminal tool.
//   - EventEmitter: typed event stream for host application integration.
//
// # Quick Start
//
//	agent, err := agentloop.NewAgent(agentloop.Deps{
//	    Client:    client,
//	    Sandboxes: sandbox.NewLocalProvider(root, "localhost", logger),
//	    Steps:     steps,
//	    Persister: fragment.NewPersister(store),
//	}, agentloop.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := agent.Run(ctx, runID, agentloop.Event{ProjectID: "p1", Value: "Build a todo app"}, agentloop.RunOptions{})
package agentloop
