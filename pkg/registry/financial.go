package registry

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

var (
	invoiceNumberPattern = regexp.MustCompile(`(?i)invoice\s*#?\s*[:\-]?\s*([A-Z0-9\-]+)`)
	amountPattern        = regexp.MustCompile(`(?i)(?:total|amount due|amount)\s*[:\-]?\s*\$?\s*([0-9,]+\.?[0-9]*)`)
	datePattern          = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
)

func registerFinancialHandlers(r *Registry) {
	r.Register(Handler{
		Type: "invoice_ocr", Name: "Invoice OCR Extraction", Category: CategoryFinancial,
		Description: "Extracts invoice number, total amount, and date from the 'rawText' input via pattern matching.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			text, _ := inputs["rawText"].(string)
			if text == "" {
				return nil, &HandlerError{Message: "invoice_ocr requires a 'rawText' input", Recoverable: false}
			}
			out := map[string]interface{}{}
			if m := invoiceNumberPattern.FindStringSubmatch(text); m != nil {
				out["invoiceNumber"] = m[1]
			}
			if m := amountPattern.FindStringSubmatch(text); m != nil {
				if f, err := strconv.ParseFloat(removeCommas(m[1]), 64); err == nil {
					out["amount"] = f
				}
			}
			if m := datePattern.FindStringSubmatch(text); m != nil {
				out["date"] = m[1]
			}
			return out, nil
		},
	})

	r.Register(Handler{
		Type: "bank_reconcile", Name: "Bank Reconciliation", Category: CategoryFinancial,
		Description: "Matches 'statementLines' against 'ledgerLines' by amount and date, reporting matched and unmatched entries.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			statement, _ := inputs["statementLines"].([]interface{})
			ledger, _ := inputs["ledgerLines"].([]interface{})
			used := make(map[int]bool, len(ledger))
			var matched []interface{}
			var unmatchedStatement []interface{}
			for _, sLine := range statement {
				sm, ok := sLine.(map[string]interface{})
				if !ok {
					unmatchedStatement = append(unmatchedStatement, sLine)
					continue
				}
				found := -1
				for i, lLine := range ledger {
					if used[i] {
						continue
					}
					lm, ok := lLine.(map[string]interface{})
					if !ok {
						continue
					}
					if reconcileMatch(sm, lm) {
						found = i
						break
					}
				}
				if found >= 0 {
					used[found] = true
					matched = append(matched, map[string]interface{}{"statement": sm, "ledger": ledger[found]})
				} else {
					unmatchedStatement = append(unmatchedStatement, sLine)
				}
			}
			var unmatchedLedger []interface{}
			for i, lLine := range ledger {
				if !used[i] {
					unmatchedLedger = append(unmatchedLedger, lLine)
				}
			}
			return map[string]interface{}{
				"matched":            matched,
				"unmatchedStatement": unmatchedStatement,
				"unmatchedLedger":    unmatchedLedger,
			}, nil
		},
	})

	r.Register(Handler{
		Type: "journal_entry", Name: "Journal Entry Validation", Category: CategoryFinancial,
		Description: "Validates that the 'entries' input's debits equal its credits.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			entries, _ := inputs["entries"].([]interface{})
			if len(entries) == 0 {
				return nil, &HandlerError{Message: "journal_entry requires a non-empty 'entries' input", Recoverable: false}
			}
			var totalDebit, totalCredit float64
			for _, e := range entries {
				m, ok := e.(map[string]interface{})
				if !ok {
					continue
				}
				if d, ok := m["debit"].(float64); ok {
					totalDebit += d
				}
				if c, ok := m["credit"].(float64); ok {
					totalCredit += c
				}
			}
			balanced := roundCents(totalDebit) == roundCents(totalCredit)
			if !balanced {
				return nil, &HandlerError{
					Message:     fmt.Sprintf("journal entry is unbalanced: debit=%.2f credit=%.2f", totalDebit, totalCredit),
					Recoverable: false,
				}
			}
			return map[string]interface{}{
				"balanced":    true,
				"totalDebit":  totalDebit,
				"totalCredit": totalCredit,
			}, nil
		},
	})

	r.Register(Handler{
		Type: "tax_calculate", Name: "Tax Calculation", Category: CategoryFinancial,
		Description: "Computes tax on the 'amount' input at config.rate (fractional).",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			amount, ok := inputs["amount"].(float64)
			if !ok {
				return nil, &HandlerError{Message: "tax_calculate requires a numeric 'amount' input", Recoverable: false}
			}
			rate, ok := config["rate"].(float64)
			if !ok {
				return nil, &HandlerError{Message: "tax_calculate requires config.rate", Recoverable: false}
			}
			tax := amount * rate
			return map[string]interface{}{
				"tax":   roundCents(tax),
				"total": roundCents(amount + tax),
			}, nil
		},
	})

	r.Register(Handler{
		Type: "gst_return", Name: "GST Return Summary", Category: CategoryFinancial,
		Description: "Nets GST collected against GST paid across 'lineItems' to produce the payable/refund amount.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			items, _ := inputs["lineItems"].([]interface{})
			var collected, paid float64
			for _, it := range items {
				m, ok := it.(map[string]interface{})
				if !ok {
					continue
				}
				if v, ok := m["gstCollected"].(float64); ok {
					collected += v
				}
				if v, ok := m["gstPaid"].(float64); ok {
					paid += v
				}
			}
			net := roundCents(collected - paid)
			return map[string]interface{}{
				"gstCollected": roundCents(collected),
				"gstPaid":      roundCents(paid),
				"netPayable":   net,
				"refundDue":    net < 0,
			}, nil
		},
	})

	r.Register(Handler{
		Type: "financial_ratio", Name: "Financial Ratio", Category: CategoryFinancial,
		Description: "Computes standard solvency/liquidity ratios from the 'statement' input object.",
		Execute: func(ctx context.Context, inputs Inputs, config map[string]interface{}, env *Env) (Output, error) {
			s, ok := inputs["statement"].(map[string]interface{})
			if !ok {
				return nil, &HandlerError{Message: "financial_ratio requires a 'statement' input object", Recoverable: false}
			}
			get := func(key string) float64 {
				f, _ := s[key].(float64)
				return f
			}
			out := map[string]interface{}{}
			if cl := get("currentLiabilities"); cl != 0 {
				out["currentRatio"] = roundCents(get("currentAssets") / cl)
				out["quickRatio"] = roundCents((get("currentAssets") - get("inventory")) / cl)
			}
			if eq := get("totalEquity"); eq != 0 {
				out["debtToEquity"] = roundCents(get("totalLiabilities") / eq)
			}
			if rev := get("revenue"); rev != 0 {
				out["netMargin"] = roundCents(get("netIncome") / rev)
			}
			return out, nil
		},
	})
}

func reconcileMatch(statementLine, ledgerLine map[string]interface{}) bool {
	sa, _ := statementLine["amount"].(float64)
	la, _ := ledgerLine["amount"].(float64)
	sd, _ := statementLine["date"].(string)
	ld, _ := ledgerLine["date"].(string)
	return roundCents(sa) == roundCents(la) && sd == ld
}

func roundCents(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func removeCommas(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ',' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
