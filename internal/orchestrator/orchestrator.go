// Package orchestrator creates and deletes the cluster resources backing a
// deployed challenge: one Deployment plus one NodePort Service per target,
// all in the default namespace.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arcs-ctf/deployd/internal/chall"
	"github.com/arcs-ctf/deployd/internal/domain"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Namespace is where all challenge resources live.
const Namespace = "default"

// Orchestrator drives the cluster API for challenge deployments.
type Orchestrator struct {
	clientset kubernetes.Interface
}

// New connects to the cluster, preferring in-cluster config and falling back
// to the local kubeconfig.
func New() (*Orchestrator, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loading := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load cluster config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build cluster client: %w", err)
	}
	return &Orchestrator{clientset: cs}, nil
}

// NewWithClientset is the constructor used by tests.
func NewWithClientset(cs kubernetes.Interface) *Orchestrator {
	return &Orchestrator{clientset: cs}
}

// ServiceName returns the Service name paired with a Deployment name.
func ServiceName(name string) string {
	return name + "-service"
}

// Deploy replaces the named Deployment and NodePort Service with fresh
// objects running the given image, and returns the node ports the cluster
// assigned. A service that comes back without ports is a failure: nothing
// would be reachable.
func (o *Orchestrator) Deploy(ctx context.Context, name, tag string, target *chall.DeployTarget) ([]int32, error) {
	// Same-name resources from a previous deploy are replaced, not patched.
	if err := o.deleteIfExists(ctx, name); err != nil {
		return nil, domain.NewPipelineError(domain.StageDeploy, name, err)
	}

	replicas := int32(target.Replicas)
	if replicas == 0 {
		replicas = 1
	}
	labels := map[string]string{"app": name}
	proto := corev1.ProtocolTCP
	if target.Expose.Protocol == domain.ProtocolUDP {
		proto = corev1.ProtocolUDP
	}
	port := int32(target.Expose.Port)

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  name,
						Image: tag,
						// Images are pre-pulled through the cluster engine.
						ImagePullPolicy: corev1.PullIfNotPresent,
						Ports: []corev1.ContainerPort{{
							ContainerPort: port,
							Protocol:      proto,
						}},
					}},
				},
			},
		},
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ServiceName(name),
			Namespace: Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Port:       port,
				TargetPort: intstr.FromInt32(port),
				Protocol:   proto,
			}},
		},
	}

	if _, err := o.clientset.AppsV1().Deployments(Namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return nil, domain.NewPipelineError(domain.StageDeploy, name, fmt.Errorf("create deployment: %w", err))
	}
	created, err := o.clientset.CoreV1().Services(Namespace).Create(ctx, service, metav1.CreateOptions{})
	if err != nil {
		return nil, domain.NewPipelineError(domain.StageDeploy, name, fmt.Errorf("create service: %w", err))
	}

	var ports []int32
	for _, p := range created.Spec.Ports {
		if p.NodePort != 0 {
			ports = append(ports, p.NodePort)
		}
	}
	if len(ports) == 0 {
		return nil, domain.NewPipelineError(domain.StageDeploy, name,
			fmt.Errorf("service %s was assigned no node ports", created.Name))
	}

	slog.Info("deployed challenge target", "name", name, "image", tag, "node_ports", ports)
	return ports, nil
}

// Delete removes the named Deployment and its Service. Resources that are
// already gone produce warnings, not errors.
func (o *Orchestrator) Delete(ctx context.Context, name string) error {
	err := o.clientset.CoreV1().Services(Namespace).Delete(ctx, ServiceName(name), metav1.DeleteOptions{})
	switch {
	case apierrors.IsNotFound(err):
		slog.Warn("service already absent", "name", ServiceName(name))
	case err != nil:
		return fmt.Errorf("delete service %s: %w", ServiceName(name), err)
	}

	err = o.clientset.AppsV1().Deployments(Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	switch {
	case apierrors.IsNotFound(err):
		slog.Warn("deployment already absent", "name", name)
	case err != nil:
		return fmt.Errorf("delete deployment %s: %w", name, err)
	}

	return nil
}

// deleteIfExists clears any previous incarnation of the named resources.
func (o *Orchestrator) deleteIfExists(ctx context.Context, name string) error {
	if err := o.clientset.AppsV1().Deployments(Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete previous deployment: %w", err)
	}
	if err := o.clientset.CoreV1().Services(Namespace).Delete(ctx, ServiceName(name), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete previous service: %w", err)
	}
	return nil
}
