package constants

// FieldOwner is the field manager identity used for server-side apply.
const FieldOwner = "deploysync"

// Source layout names under a revision checkout.
const (
	BaseValuesFile    = "values.yaml"
	OverlayValuesStem = "values-" // + <environment>.yaml
	ManifestsDir      = "manifests"
)

// ManagedByLabel marks resources applied by this controller.
const (
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelManagedByValue = "deploysync"
)
