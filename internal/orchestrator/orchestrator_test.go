package orchestrator

import (
	"context"
	"testing"

	"github.com/arcs-ctf/deployd/internal/chall"
	"github.com/arcs-ctf/deployd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// assignNodePorts mimics the cluster allocating node ports on service create.
func assignNodePorts(cs *fake.Clientset, base int32) {
	next := base
	cs.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		for i := range svc.Spec.Ports {
			svc.Spec.Ports[i].NodePort = next
			next++
		}
		return false, nil, nil
	})
}

func webTarget() *chall.DeployTarget {
	return &chall.DeployTarget{
		Expose:   chall.Expose{Port: 8080, Protocol: domain.ProtocolTCP},
		Replicas: 2,
	}
}

func TestDeploy_CreatesDeploymentAndNodePortService(t *testing.T) {
	cs := fake.NewSimpleClientset()
	assignNodePorts(cs, 30100)
	o := NewWithClientset(cs)

	ports, err := o.Deploy(context.Background(), "web-chall", "registry.example.com/web-chall", webTarget())
	require.NoError(t, err)
	assert.Equal(t, []int32{30100}, ports)

	dep, err := cs.AppsV1().Deployments(Namespace).Get(context.Background(), "web-chall", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), *dep.Spec.Replicas)
	assert.Equal(t, "registry.example.com/web-chall", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, int32(8080), dep.Spec.Template.Spec.Containers[0].Ports[0].ContainerPort)

	svc, err := cs.CoreV1().Services(Namespace).Get(context.Background(), "web-chall-service", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeNodePort, svc.Spec.Type)
	assert.Equal(t, map[string]string{"app": "web-chall"}, svc.Spec.Selector)
}

func TestDeploy_UDPTargetDefaultsToOneReplica(t *testing.T) {
	cs := fake.NewSimpleClientset()
	assignNodePorts(cs, 30200)
	o := NewWithClientset(cs)

	target := &chall.DeployTarget{Expose: chall.Expose{Port: 5353, Protocol: domain.ProtocolUDP}}
	_, err := o.Deploy(context.Background(), "dns-chall", "registry.example.com/dns-chall", target)
	require.NoError(t, err)

	dep, err := cs.AppsV1().Deployments(Namespace).Get(context.Background(), "dns-chall", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Equal(t, corev1.ProtocolUDP, dep.Spec.Template.Spec.Containers[0].Ports[0].Protocol)
}

func TestDeploy_ReplacesExistingResources(t *testing.T) {
	cs := fake.NewSimpleClientset(
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web-chall", Namespace: Namespace}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "web-chall-service", Namespace: Namespace}},
	)
	assignNodePorts(cs, 30300)
	o := NewWithClientset(cs)

	ports, err := o.Deploy(context.Background(), "web-chall", "registry.example.com/web-chall:v2", webTarget())
	require.NoError(t, err)
	assert.Equal(t, []int32{30300}, ports)

	dep, err := cs.AppsV1().Deployments(Namespace).Get(context.Background(), "web-chall", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/web-chall:v2", dep.Spec.Template.Spec.Containers[0].Image)
}

func TestDeploy_NoNodePortsIsFailure(t *testing.T) {
	// No reactor: the fake clientset leaves NodePort at zero.
	cs := fake.NewSimpleClientset()
	o := NewWithClientset(cs)

	_, err := o.Deploy(context.Background(), "web-chall", "registry.example.com/web-chall", webTarget())
	require.Error(t, err)

	var perr *domain.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, domain.StageDeploy, perr.Stage)
	assert.Contains(t, err.Error(), "no node ports")
}

func TestDelete_RemovesBothResources(t *testing.T) {
	cs := fake.NewSimpleClientset(
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web-chall", Namespace: Namespace}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "web-chall-service", Namespace: Namespace}},
	)
	o := NewWithClientset(cs)

	require.NoError(t, o.Delete(context.Background(), "web-chall"))

	_, err := cs.AppsV1().Deployments(Namespace).Get(context.Background(), "web-chall", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = cs.CoreV1().Services(Namespace).Get(context.Background(), "web-chall-service", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestDelete_MissingResourcesAreWarningsOnly(t *testing.T) {
	cs := fake.NewSimpleClientset()
	o := NewWithClientset(cs)

	assert.NoError(t, o.Delete(context.Background(), "never-deployed"))
}
