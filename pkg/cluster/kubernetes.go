package cluster

import (
	"context"
	"fmt"
	"os"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/plfanzen/backend/pkg/log"
	"github.com/plfanzen/backend/pkg/types"
	"github.com/rs/zerolog"
)

// KubernetesDriver provisions one namespace per instance, holding a
// single Deployment and a NodePort Service. The namespace carries the
// owning key in labels and annotations; deleting the namespace tears
// the whole instance down.
type KubernetesDriver struct {
	client          kubernetes.Interface
	namespacePrefix string
	nodeAddress     string
	logger          zerolog.Logger
}

// NewKubernetesDriver builds a driver from a kubeconfig path, or from
// the in-cluster service account when the path is empty.
func NewKubernetesDriver(kubeconfig, namespacePrefix, nodeAddress string) (*KubernetesDriver, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster credentials: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return NewKubernetesDriverWithClient(client, namespacePrefix, nodeAddress), nil
}

// NewKubernetesDriverWithClient wraps an existing clientset. Tests use
// this with the client-go fake clientset.
func NewKubernetesDriverWithClient(client kubernetes.Interface, namespacePrefix, nodeAddress string) *KubernetesDriver {
	return &KubernetesDriver{
		client:          client,
		namespacePrefix: namespacePrefix,
		nodeAddress:     nodeAddress,
		logger:          log.WithComponent("cluster"),
	}
}

// Create provisions namespace, deployment and service for an instance.
// Already-existing objects are fine: the reconciler may retry a create
// that partially succeeded.
func (d *KubernetesDriver) Create(ctx context.Context, key types.InstanceKey, def *types.ChallengeDefinition) (string, error) {
	ns := NamespaceName(d.namespacePrefix, key)

	meta := metav1.ObjectMeta{
		Name: ns,
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelTeam:      sanitizeName(key.TeamID, 63),
			LabelChallenge: sanitizeName(key.ChallengeID, 63),
			LabelHash:      def.Hash[:12],
		},
		Annotations: map[string]string{
			AnnotationTeamID:    key.TeamID,
			AnnotationChallenge: key.ChallengeID,
		},
	}

	_, err := d.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{ObjectMeta: meta}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("failed to create namespace %s: %w", ns, err)
	}

	if err := d.createDeployment(ctx, ns, key, def); err != nil {
		return "", err
	}
	if err := d.createService(ctx, ns, def); err != nil {
		return "", err
	}

	return ns, nil
}

func (d *KubernetesDriver) createDeployment(ctx context.Context, ns string, key types.InstanceKey, def *types.ChallengeDefinition) error {
	limits := corev1.ResourceList{}
	if def.Resources.CPU != "" {
		cpu, err := resource.ParseQuantity(def.Resources.CPU)
		if err != nil {
			return fmt.Errorf("challenge %s: bad cpu limit: %w", def.ID, err)
		}
		limits[corev1.ResourceCPU] = cpu
	}
	if def.Resources.Memory != "" {
		mem, err := resource.ParseQuantity(def.Resources.Memory)
		if err != nil {
			return fmt.Errorf("challenge %s: bad memory limit: %w", def.ID, err)
		}
		limits[corev1.ResourceMemory] = mem
	}

	var env []corev1.EnvVar
	for name, tmpl := range def.Env {
		env = append(env, corev1.EnvVar{Name: name, Value: expandEnv(tmpl, key)})
	}

	var ports []corev1.ContainerPort
	for _, p := range def.Ports {
		ports = append(ports, corev1.ContainerPort{
			Name:          p.Name,
			ContainerPort: int32(p.Port),
			Protocol:      corev1.Protocol(p.Protocol),
		})
	}

	replicas := int32(1)
	selector := map[string]string{"app": "challenge"}
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "challenge", Namespace: ns},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: selector},
				Spec: corev1.PodSpec{
					AutomountServiceAccountToken: new(bool),
					Containers: []corev1.Container{{
						Name:      "challenge",
						Image:     def.Image,
						Env:       env,
						Ports:     ports,
						Resources: corev1.ResourceRequirements{Limits: limits},
					}},
				},
			},
		},
	}

	_, err := d.client.AppsV1().Deployments(ns).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create deployment in %s: %w", ns, err)
	}
	return nil
}

func (d *KubernetesDriver) createService(ctx context.Context, ns string, def *types.ChallengeDefinition) error {
	var ports []corev1.ServicePort
	for _, p := range def.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       p.Name,
			Port:       int32(p.Port),
			TargetPort: intstr.FromInt(p.Port),
			Protocol:   corev1.Protocol(p.Protocol),
		})
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "challenge", Namespace: ns},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{"app": "challenge"},
			Ports:    ports,
		},
	}

	_, err := d.client.CoreV1().Services(ns).Create(ctx, service, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create service in %s: %w", ns, err)
	}
	return nil
}

// expandEnv substitutes ${TEAM_ID} and ${CHALLENGE_ID} in an env
// template value
func expandEnv(tmpl string, key types.InstanceKey) string {
	return os.Expand(tmpl, func(name string) string {
		switch name {
		case "TEAM_ID":
			return key.TeamID
		case "CHALLENGE_ID":
			return key.ChallengeID
		default:
			return ""
		}
	})
}

// Delete removes the instance namespace; the cluster garbage-collects
// everything inside it. A namespace that is already gone is success.
func (d *KubernetesDriver) Delete(ctx context.Context, ref string) error {
	err := d.client.CoreV1().Namespaces().Delete(ctx, ref, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete namespace %s: %w", ref, err)
	}
	return nil
}

// List recovers every managed workload from cluster metadata alone
func (d *KubernetesDriver) List(ctx context.Context) ([]Workload, error) {
	nsList, err := d.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + ManagedByValue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	var out []Workload
	for _, ns := range nsList.Items {
		w := Workload{
			Ref: ns.Name,
			Key: types.InstanceKey{
				TeamID:      ns.Annotations[AnnotationTeamID],
				ChallengeID: ns.Annotations[AnnotationChallenge],
			},
			Hash: ns.Labels[LabelHash],
		}

		if ns.DeletionTimestamp != nil {
			w.Phase = types.PhaseTerminating
			out = append(out, w)
			continue
		}

		w.Phase, w.Endpoint = d.observe(ctx, ns.Name)
		out = append(out, w)
	}
	return out, nil
}

// observe derives phase and endpoint from the deployment and service
// inside an instance namespace
func (d *KubernetesDriver) observe(ctx context.Context, ns string) (types.InstancePhase, string) {
	deployment, err := d.client.AppsV1().Deployments(ns).Get(ctx, "challenge", metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			// Namespace exists but the workload is gone, recreate next tick
			return types.PhaseAbsent, ""
		}
		d.logger.Warn().Err(err).Str("namespace", ns).Msg("Failed to read deployment status")
		return types.PhasePending, ""
	}

	if deployment.Status.ReadyReplicas < 1 {
		return types.PhasePending, ""
	}

	service, err := d.client.CoreV1().Services(ns).Get(ctx, "challenge", metav1.GetOptions{})
	if err != nil || len(service.Spec.Ports) == 0 || service.Spec.Ports[0].NodePort == 0 {
		return types.PhasePending, ""
	}

	return types.PhaseRunning, fmt.Sprintf("%s:%d", d.nodeAddress, service.Spec.Ports[0].NodePort)
}
