// Package engine executes rules against input documents.
//
// An Engine reads rule content from a cache.RuleCache and hands it to an
// Evaluator. Every evaluation is bounded by a per-rule timeout and runs
// through a resilience.Service under the operation name "rule:<id>", so
// each rule has its own circuit breaker. An optional evaluation result cache
// and observe.Middleware wrap the call.
//
// Per-rule failures are contained: they are recorded in Result.Errors keyed
// by rule id and do not abort the execution unless FailFast or StopOnError
// ask for it. Errors returned directly by the Execute methods mean the
// request itself was rejected (an invalid selector or groups) or execution
// was halted on request.
//
// Execution modes:
//
//	ExecuteParallel    all rules concurrently, bounded by Concurrency
//	ExecuteSequential  rules in list order, optionally pipelined
//	ExecuteMixed       groups in order, each parallel or sequential
//	ExecutePlan        resolved stages in order, rules of a stage concurrently
//	Execute            resolve a selector, then ExecutePlan
//	ExecuteBatch       every rule against every input, inputs chunked
//
// In pipeline mode, a rule's map output is merged into the input seen by
// the next rule (or the next stage or group).
package engine
