package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/dc-tec/deploysync/internal/constants"
)

const scaffoldHeader = `# deploysync controller configuration.
#
# Attribute values may reference process environment variables through the
# env object, e.g. bucket = env.HISTORY_BUCKET. Optional build and history
# blocks wire in the external build collaborator and S3 record archival.

`

// Scaffold renders a starter configuration file with one environment and
// the stock reconcile budgets spelled out. The output parses and validates
// with Load unchanged.
func Scaffold() []byte {
	file := hclwrite.NewEmptyFile()
	body := file.Body()

	source := body.AppendNewBlock("source", nil)
	source.Body().SetAttributeValue("root", cty.StringVal("/var/lib/deploysync/checkouts"))
	body.AppendNewline()

	env := body.AppendNewBlock("environment", []string{"staging"})
	envBody := env.Body()
	envBody.SetAttributeValue("branch", cty.StringVal("develop"))
	envBody.SetAttributeValue("namespace", cty.StringVal("staging"))
	envBody.AppendNewline()

	envSource := envBody.AppendNewBlock("source", nil)
	envSource.Body().SetAttributeValue("manifests", cty.StringVal(constants.ManifestsDir))
	envSource.Body().SetAttributeValue("values", cty.StringVal(constants.BaseValuesFile))
	body.AppendNewline()

	reconcile := body.AppendNewBlock("reconcile", nil)
	rb := reconcile.Body()
	rb.SetAttributeValue("max_attempts", cty.NumberIntVal(constants.DefaultMaxAttempts))
	rb.SetAttributeValue("backoff_base", cty.StringVal(constants.DefaultBackoffBase.String()))
	rb.SetAttributeValue("backoff_cap", cty.StringVal(constants.DefaultBackoffCap.String()))
	rb.SetAttributeValue("degraded_cadence", cty.StringVal(constants.DefaultDegradedCadence.String()))
	rb.SetAttributeValue("degraded_budget", cty.NumberIntVal(constants.DefaultDegradedBudget))
	rb.SetAttributeValue("poll_interval", cty.StringVal(constants.DefaultPollInterval.String()))

	return append([]byte(scaffoldHeader), file.Bytes()...)
}
