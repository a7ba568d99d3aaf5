package modules

import (
	"context"
	"math"
	"sort"

	"github.com/kalambet/integrator/internal/gateway"
)

// FinanceModule summarizes transactions and budgets.
type FinanceModule struct{}

func NewFinance() *FinanceModule { return &FinanceModule{} }

func (*FinanceModule) Name() string { return Finance }

func (m *FinanceModule) Handle(_ context.Context, call gateway.Call) (map[string]any, error) {
	switch call.Intent {
	case "analyze":
		return analyzeTransactions(call.Data)
	case "budget":
		return budget(call.Data)
	default:
		return nil, unsupported(Finance, call.Intent)
	}
}

type categoryTotal struct {
	Category string  `json:"category"`
	Total    float64 `json:"total"`
	Count    int     `json:"count"`
}

func analyzeTransactions(data map[string]any) (map[string]any, error) {
	raw, present := data["transactions"]
	items, ok := raw.([]any)
	if present && raw != nil && !ok {
		return nil, invalid("transactions must be a list")
	}

	var total, largest float64
	byCategory := map[string]*categoryTotal{}
	for k, item := range items {
		tx, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("transaction %d is not an object", k)
		}
		amount, ok := number(tx["amount"])
		if !ok {
			return nil, invalid("transaction %d has no numeric amount", k)
		}
		total += amount
		if math.Abs(amount) > math.Abs(largest) {
			largest = amount
		}

		cat := stringField(tx, "category")
		if cat == "" {
			cat = "uncategorized"
		}
		ct := byCategory[cat]
		if ct == nil {
			ct = &categoryTotal{Category: cat}
			byCategory[cat] = ct
		}
		ct.Total = round2(ct.Total + amount)
		ct.Count++
	}

	categories := make([]categoryTotal, 0, len(byCategory))
	for _, ct := range byCategory {
		categories = append(categories, *ct)
	}
	sort.Slice(categories, func(i, j int) bool {
		if categories[i].Total != categories[j].Total {
			return math.Abs(categories[i].Total) > math.Abs(categories[j].Total)
		}
		return categories[i].Category < categories[j].Category
	})

	average := 0.0
	if len(items) > 0 {
		average = total / float64(len(items))
	}
	return map[string]any{
		"transaction_count": len(items),
		"total":             round2(total),
		"average":           round2(average),
		"largest":           round2(largest),
		"categories":        categories,
	}, nil
}

func budget(data map[string]any) (map[string]any, error) {
	income, ok := number(data["income"])
	if !ok {
		return nil, invalid("income is required")
	}

	var expenses float64
	switch v := data["expenses"].(type) {
	case nil:
	case []any:
		for k, item := range v {
			amount, ok := number(item)
			if !ok {
				if obj, isObj := item.(map[string]any); isObj {
					amount, ok = number(obj["amount"])
				}
			}
			if !ok {
				return nil, invalid("expense %d has no numeric amount", k)
			}
			expenses += amount
		}
	default:
		if expenses, ok = number(v); !ok {
			return nil, invalid("expenses must be a number or a list")
		}
	}

	balance := income - expenses
	status := "balanced"
	switch {
	case balance > 0:
		status = "surplus"
	case balance < 0:
		status = "deficit"
	}

	savingsRate := 0.0
	if income > 0 {
		savingsRate = balance / income
	}
	return map[string]any{
		"income":       round2(income),
		"expenses":     round2(expenses),
		"balance":      round2(balance),
		"savings_rate": math.Round(savingsRate*1000) / 1000,
		"status":       status,
	}, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
