package kube

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ClientConfig selects how to reach the API server. An empty Kubeconfig
// means in-cluster credentials.
type ClientConfig struct {
	Kubeconfig string  `yaml:"kubeconfig"`
	QPS        float32 `yaml:"qps"`
	Burst      int     `yaml:"burst"`
}

func NewClientset(cfg ClientConfig) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config failed: %w", err)
	}
	if cfg.QPS > 0 {
		restCfg.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		restCfg.Burst = cfg.Burst
	}
	restCfg.UserAgent = "mmproc"
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client failed: %w", err)
	}
	return clientset, nil
}
