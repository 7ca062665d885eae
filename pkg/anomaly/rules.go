package anomaly

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/tickettoken/core/pkg/tickets"
)

// Rule is a tenant-defined detector written as a CEL expression over the
// scan's windowed statistics. The expression must evaluate to bool; true
// produces a finding at the rule's severity.
//
// Available variables:
//
//	ticket_scans_5s     int
//	ticket_devices_60s  int
//	device_scans_1h     int
//	device_denials_1h   int
//	local_hour          int
//	result              string  ("ALLOW", "DENY", "ERROR")
type Rule struct {
	Name     string
	Severity Severity
	Expr     string

	prg cel.Program
}

func ruleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("ticket_scans_5s", cel.IntType),
		cel.Variable("ticket_devices_60s", cel.IntType),
		cel.Variable("device_scans_1h", cel.IntType),
		cel.Variable("device_denials_1h", cel.IntType),
		cel.Variable("local_hour", cel.IntType),
		cel.Variable("result", cel.StringType),
	)
}

// CompileRules turns rule definitions into evaluable rules. A single bad
// expression fails the whole batch so misconfiguration is caught at startup.
func CompileRules(defs []Rule) ([]*Rule, error) {
	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("anomaly: rule env: %w", err)
	}

	out := make([]*Rule, 0, len(defs))
	for _, def := range defs {
		ast, iss := env.Compile(def.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("anomaly: rule %q: %w", def.Name, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("anomaly: rule %q: expression yields %s, want bool", def.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("anomaly: rule %q: %w", def.Name, err)
		}
		r := def
		r.prg = prg
		out = append(out, &r)
	}
	return out, nil
}

// Evaluate runs the rule against one scan's statistics.
func (r *Rule) Evaluate(stats *tickets.ScanStats, in *Input) (*Finding, error) {
	val, _, err := r.prg.Eval(map[string]any{
		"ticket_scans_5s":    stats.TicketScans5s,
		"ticket_devices_60s": stats.TicketDevices60s,
		"device_scans_1h":    stats.DeviceScans1h,
		"device_denials_1h":  stats.DeviceDenials1h,
		"local_hour":         in.LocalTime.Hour(),
		"result":             string(in.Result),
	})
	if err != nil {
		return nil, fmt.Errorf("anomaly: eval %q: %w", r.Name, err)
	}
	fired, ok := val.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("anomaly: rule %q returned %T, want bool", r.Name, val.Value())
	}
	if !fired {
		return nil, nil
	}
	return &Finding{
		Detector: r.Name,
		Severity: r.Severity,
		Detail:   fmt.Sprintf("custom rule %q matched", r.Name),
	}, nil
}
