package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/plfanzen/backend/pkg/types"
)

func testDefinition() *types.ChallengeDefinition {
	return &types.ChallengeDefinition{
		ID:    "pwn-101",
		Name:  "Pwn 101",
		Flag:  "CTF{x}",
		Image: "registry.example.com/pwn-101:latest",
		Ports: []types.PortSpec{{Name: "main", Port: 9001, Protocol: "TCP"}},
		Resources: types.ResourceLimits{
			CPU:    "500m",
			Memory: "256Mi",
		},
		Env:  map[string]string{"TEAM": "${TEAM_ID}"},
		Hash: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
}

func TestKubernetesCreate(t *testing.T) {
	client := fake.NewSimpleClientset()
	driver := NewKubernetesDriverWithClient(client, "chal", "10.0.0.5")
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	ref, err := driver.Create(context.Background(), key, testDefinition())
	require.NoError(t, err)
	assert.Equal(t, NamespaceName("chal", key), ref)

	ns, err := client.CoreV1().Namespaces().Get(context.Background(), ref, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, ManagedByValue, ns.Labels[LabelManagedBy])
	assert.Equal(t, "t1", ns.Annotations[AnnotationTeamID])
	assert.Equal(t, "pwn-101", ns.Annotations[AnnotationChallenge])
	assert.Equal(t, "0123456789ab", ns.Labels[LabelHash])

	deployment, err := client.AppsV1().Deployments(ref).Get(context.Background(), "challenge", metav1.GetOptions{})
	require.NoError(t, err)
	container := deployment.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "registry.example.com/pwn-101:latest", container.Image)
	require.Len(t, container.Env, 1)
	assert.Equal(t, "t1", container.Env[0].Value, "env template must be expanded")

	_, err = client.CoreV1().Services(ref).Get(context.Background(), "challenge", metav1.GetOptions{})
	require.NoError(t, err)
}

func TestKubernetesCreateIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	driver := NewKubernetesDriverWithClient(client, "chal", "10.0.0.5")
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	ref1, err := driver.Create(context.Background(), key, testDefinition())
	require.NoError(t, err)
	ref2, err := driver.Create(context.Background(), key, testDefinition())
	require.NoError(t, err, "retrying a create must succeed")
	assert.Equal(t, ref1, ref2)
}

func TestKubernetesDeleteAbsent(t *testing.T) {
	driver := NewKubernetesDriverWithClient(fake.NewSimpleClientset(), "chal", "10.0.0.5")
	assert.NoError(t, driver.Delete(context.Background(), "never-existed"))
}

func TestKubernetesListAttribution(t *testing.T) {
	client := fake.NewSimpleClientset()
	driver := NewKubernetesDriverWithClient(client, "chal", "10.0.0.5")
	ctx := context.Background()
	key := types.InstanceKey{TeamID: "t1", ChallengeID: "pwn-101"}

	ref, err := driver.Create(ctx, key, testDefinition())
	require.NoError(t, err)

	workloads, err := driver.List(ctx)
	require.NoError(t, err)
	require.Len(t, workloads, 1)
	assert.Equal(t, key, workloads[0].Key, "key must be recoverable from cluster metadata alone")
	assert.Equal(t, types.PhasePending, workloads[0].Phase, "no ready replicas yet")

	// Bring the deployment up and give the service a node port
	deployment, err := client.AppsV1().Deployments(ref).Get(ctx, "challenge", metav1.GetOptions{})
	require.NoError(t, err)
	deployment.Status.ReadyReplicas = 1
	_, err = client.AppsV1().Deployments(ref).UpdateStatus(ctx, deployment, metav1.UpdateOptions{})
	require.NoError(t, err)

	service, err := client.CoreV1().Services(ref).Get(ctx, "challenge", metav1.GetOptions{})
	require.NoError(t, err)
	service.Spec.Ports[0].NodePort = 31234
	_, err = client.CoreV1().Services(ref).Update(ctx, service, metav1.UpdateOptions{})
	require.NoError(t, err)

	workloads, err = driver.List(ctx)
	require.NoError(t, err)
	require.Len(t, workloads, 1)
	assert.Equal(t, types.PhaseRunning, workloads[0].Phase)
	assert.Equal(t, "10.0.0.5:31234", workloads[0].Endpoint)
}

func TestKubernetesListIgnoresForeignNamespaces(t *testing.T) {
	client := fake.NewSimpleClientset()
	driver := NewKubernetesDriverWithClient(client, "chal", "10.0.0.5")
	ctx := context.Background()

	_, err := client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "kube-system"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	workloads, err := driver.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workloads)
}
