package solbc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.uber.org/zap"
)

// Jupiter aggregator error 6001 (0x1771).
const slippageErrorName = "SlippageToleranceExceeded"

// ProgramError is an Anchor error decoded from program logs.
type ProgramError struct {
	Code int
	Name string
	Msg  string
}

func (e ProgramError) String() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s (%d)", e.Name, e.Code)
	}
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

// FailureReport summarizes a failed submission or simulation.
type FailureReport struct {
	Message          string
	RPCCode          int
	Program          *ProgramError
	SlippageExceeded bool
	InstructionError interface{}
	Logs             []string
}

// Reason returns a short human readable cause.
func (r FailureReport) Reason() string {
	switch {
	case r.SlippageExceeded:
		return "slippage tolerance exceeded"
	case r.Program != nil:
		return r.Program.String()
	case r.InstructionError != nil:
		return fmt.Sprintf("%v", r.InstructionError)
	default:
		return r.Message
	}
}

// Fields returns zap fields for logging the report.
func (r FailureReport) Fields() []zap.Field {
	fields := []zap.Field{zap.String("reason", r.Reason())}
	if r.RPCCode != 0 {
		fields = append(fields, zap.Int("rpc_code", r.RPCCode))
	}
	if r.Program != nil {
		fields = append(fields,
			zap.String("program_error", r.Program.Name),
			zap.Int("program_error_code", r.Program.Code))
	}
	if len(r.Logs) > 0 {
		fields = append(fields, zap.Strings("logs", r.Logs))
	}
	return fields
}

// AnalyzeRPCError extracts simulation details from a preflight failure.
func AnalyzeRPCError(err error) FailureReport {
	if err == nil {
		return FailureReport{}
	}
	report := FailureReport{Message: err.Error()}

	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return report
	}
	report.Message = rpcErr.Message
	report.RPCCode = rpcErr.Code

	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return report
	}
	if raw, ok := data["logs"].([]interface{}); ok {
		for _, entry := range raw {
			if line, ok := entry.(string); ok {
				report.Logs = append(report.Logs, line)
			}
		}
	}
	report.InstructionError = data["err"]
	report.Program, report.SlippageExceeded = AnalyzeLogs(report.Logs)
	return report
}

// AnalyzeSimulation builds a report from a simulation result.
func AnalyzeSimulation(txErr interface{}, logs []string) FailureReport {
	report := FailureReport{
		Message:          fmt.Sprintf("%v", txErr),
		InstructionError: txErr,
		Logs:             logs,
	}
	report.Program, report.SlippageExceeded = AnalyzeLogs(logs)
	return report
}

// AnalyzeLogs finds the last Anchor error in logs and reports whether the
// failure was a slippage check.
func AnalyzeLogs(logs []string) (*ProgramError, bool) {
	var found *ProgramError
	slippage := false
	for _, line := range logs {
		if strings.Contains(line, slippageErrorName) || strings.Contains(line, "custom program error: 0x1771") {
			slippage = true
		}
		if strings.Contains(line, "AnchorError") {
			pe := parseAnchorErrorLog(line)
			found = &pe
		}
	}
	if found != nil && found.Name == slippageErrorName {
		slippage = true
	}
	return found, slippage
}

// parseAnchorErrorLog parses lines like
// "Program log: AnchorError occurred. Error Code: SlippageToleranceExceeded. Error Number: 6001. Error Message: Slippage tolerance exceeded."
func parseAnchorErrorLog(line string) ProgramError {
	var result ProgramError
	if after, ok := cut(line, "Error Number:"); ok {
		fmt.Sscanf(strings.TrimSpace(strings.SplitN(after, ".", 2)[0]), "%d", &result.Code)
	}
	if after, ok := cut(line, "Error Code:"); ok {
		result.Name = strings.TrimSpace(strings.SplitN(after, ".", 2)[0])
	}
	if after, ok := cut(line, "Error Message:"); ok {
		result.Msg = strings.TrimSuffix(strings.TrimSpace(after), ".")
	}
	return result
}

func cut(s, sep string) (string, bool) {
	_, after, ok := strings.Cut(s, sep)
	return after, ok
}
