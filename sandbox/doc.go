// Package sandbox provides the execution engine for untrusted generated code.
//
// The sandbox package materializes one execution attempt as a timestamped
// run directory containing the code, a fixed bootstrap script, and the
// serialized host variables the code references. The run directory is
// bind-mounted into a disposable container (inputs read-only, outputs
// read-write), the container's stdout/stderr/exit code are captured, and
// old run directories are pruned once the execution finishes.
//
// Failures of the sandboxed code itself (a non-zero exit) are returned as
// data in the Result; only failures of the sandbox infrastructure (daemon
// unreachable, image build failure, run-directory collision) are returned
// as errors.
//
// Usage:
//
//	exec, err := sandbox.NewExecutor(logger, cfg)
//	result, err := exec.Execute(ctx, sandbox.Request{
//	    Code:      "print(prices.describe())",
//	    Variables: map[string]any{"prices": frame},
//	})
package sandbox
