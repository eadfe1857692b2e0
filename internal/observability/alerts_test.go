package observability

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type ruleFile struct {
	Groups []struct {
		Name  string      `yaml:"name"`
		Rules []alertRule `yaml:"rules"`
	} `yaml:"groups"`
}

var seriesName = regexp.MustCompile(`odyssey_[a-z_]+`)

// exportedSeries touches every labelled collector once so Gather reports it.
func exportedSeries(t *testing.T) map[string]bool {
	t.Helper()
	m := NewMetrics()
	m.Stock().ObserveMovement("in")
	m.Stock().ObserveRetry("issue")
	m.Stock().ObserveRejection("issue", "conflict")
	m.Stock().ObserveTransition("requisition", "approve")
	_ = m.Jobs().Track("inventory:reconcile").End(nil)
	_ = m.Jobs().Track("inventory:reconcile").End(errors.New("boom"))
	m.Jobs().AddReconcileMismatches("", 1)
	m.Jobs().AddProcessed("inventory:reconcile", 1)

	families, err := m.registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestStockAlertRules(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "deploy", "prometheus", "alerts", "stock.yml"))
	require.NoError(t, err)
	var rules ruleFile
	require.NoError(t, yaml.Unmarshal(data, &rules))
	require.Len(t, rules.Groups, 1)
	require.Equal(t, "stock", rules.Groups[0].Name)

	severities := map[string]string{
		"LedgerMismatch":       "critical",
		"StockConflictRetries": "warning",
		"StockJobFailures":     "warning",
		"ReconcileStale":       "warning",
	}
	exported := exportedSeries(t)

	require.Len(t, rules.Groups[0].Rules, len(severities))
	for _, rule := range rules.Groups[0].Rules {
		want, ok := severities[rule.Alert]
		require.True(t, ok, "unexpected rule %q", rule.Alert)
		require.Equal(t, want, rule.Labels["severity"], rule.Alert)
		require.NotEmpty(t, rule.For, rule.Alert)
		require.NotEmpty(t, rule.Annotations["summary"], rule.Alert)
		require.NotEmpty(t, rule.Annotations["description"], rule.Alert)

		series := seriesName.FindAllString(rule.Expr, -1)
		require.NotEmpty(t, series, "rule %s watches no odyssey series", rule.Alert)
		for _, name := range series {
			require.True(t, exported[name], "rule %s watches %s which is never exported", rule.Alert, name)
		}
	}
}
