package cluster

import (
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/deploysync/internal/auth"
	"github.com/dc-tec/deploysync/internal/config"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// Connection is an authenticated handle to one environment's cluster.
type Connection struct {
	Environment string
	Client      client.Client
	Host        string

	Reader  *StateReader
	Applier *Applier
}

// Connect builds a controller-runtime client for an environment. Credentials
// come from the environment's auth block when one is configured; otherwise the
// kubeconfig's own authentication is used as-is.
func Connect(env config.Environment, log logr.Logger) (*Connection, error) {
	cfg, err := restConfig(env)
	if err != nil {
		return nil, syncerrors.WrapClusterUnreachable(
			fmt.Errorf("loading cluster config for environment %s: %w", env.Name, err),
		)
	}

	tokens := auth.NewProvider(env.Auth)
	if tokens != nil {
		// The transport injects Authorization itself so expired tokens can be
		// refreshed mid-flight. Static credentials from the kubeconfig would
		// fight with that, so they are cleared.
		cfg.BearerToken = ""
		cfg.BearerTokenFile = ""
	}

	cfg.Wrap(func(rt http.RoundTripper) http.RoundTripper {
		return NewTransport(env.Name, rt, tokens, TransportOptions{})
	})

	c, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, syncerrors.WrapClusterUnreachable(
			fmt.Errorf("building cluster client for environment %s: %w", env.Name, err),
		)
	}

	log.V(1).Info("connected to cluster", "environment", env.Name, "host", cfg.Host)

	return &Connection{
		Environment: env.Name,
		Client:      c,
		Host:        cfg.Host,
		Reader:      NewStateReader(c, log),
		Applier:     NewApplier(c, log),
	}, nil
}

// restConfig resolves the rest.Config for an environment. An explicit
// kubeconfig path or context pins the environment to that cluster; with
// neither set the ambient config is used (in-cluster when deployed, the
// default kubeconfig otherwise).
func restConfig(env config.Environment) (*rest.Config, error) {
	if env.Kubeconfig == "" && env.Context == "" {
		return ctrl.GetConfig()
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if env.Kubeconfig != "" {
		rules = &clientcmd.ClientConfigLoadingRules{ExplicitPath: env.Kubeconfig}
	}
	overrides := &clientcmd.ConfigOverrides{}
	if env.Context != "" {
		overrides.CurrentContext = env.Context
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
