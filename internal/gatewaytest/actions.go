package gatewaytest

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// applyAction mutates rec the way the real service handles each targeted
// action.
func applyAction(rec Record, name string, payload Record) error {
	switch name {
	case "adjust":
		delta, err := toInt(payload["delta"])
		if err != nil {
			return fmt.Errorf("delta: %w", err)
		}
		qty, _ := toInt(rec["quantity"])
		rec["quantity"] = json.Number(strconv.FormatInt(qty+delta, 10))
		return nil

	case "balance":
		for field, key := range map[string]string{
			"balance":    "delta",
			"totalSpent": "totalSpentDelta",
			"adjusted":   "adjustedDelta",
		} {
			if v, ok := payload[key]; ok {
				if err := addDecimal(rec, field, v); err != nil {
					return err
				}
			}
		}
		return nil

	case "attendance":
		day, ok := payload["date"].(string)
		if !ok || day == "" {
			return fmt.Errorf("date is required")
		}
		days, _ := rec["attendance"].([]any)
		for _, d := range days {
			if d == day {
				return nil
			}
		}
		rec["attendance"] = append(days, day)
		return nil

	case "status":
		status, ok := payload["status"].(string)
		if !ok || status == "" {
			return fmt.Errorf("status is required")
		}
		rec["status"] = status
		return nil

	case "accept":
		rec["status"] = "ACCEPTED"
		return nil

	default:
		return fmt.Errorf("unknown action %q", name)
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
