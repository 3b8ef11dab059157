package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Connect builds a clientset. The kubeconfig is picked from, in rising
// priority: ~/.kube/config, $KUBECONFIG, the first existing file in
// searchPath. With none found the in-cluster config is used.
func Connect(searchPath ...string) (*kubernetes.Clientset, error) {
	kubeconfig := ""

	if home := homedir.HomeDir(); home != "" {
		p := filepath.Join(home, ".kube", "config")
		if isFile(p) {
			kubeconfig = p
		}
	}
	if k := os.Getenv("KUBECONFIG"); k != "" && isFile(k) {
		kubeconfig = k
	}
	for _, sp := range searchPath {
		if sp != "" && isFile(sp) {
			kubeconfig = sp
			break
		}
	}

	var (
		config *rest.Config
		err    error
	)
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kube config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kube clientset: %w", err)
	}
	return cs, nil
}

func isFile(p string) bool {
	s, err := os.Stat(p)
	return err == nil && !s.IsDir()
}
