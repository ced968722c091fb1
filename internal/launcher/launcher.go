// Package launcher defines the AgentLauncher collaborator: the
// boundary between this module and whatever decides how and where an
// agent pod gets created. Everything on the other side of that
// boundary — scheduling, the target pod's existing network namespace,
// the operator's RBAC — belongs to the caller; this package only
// shapes the pod-creation parameters and hands them to the Kubernetes
// API, following the Non-goals in spec.md §1 that keep exec/attach
// logic out of this module entirely.
package launcher

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// PodSpec describes the agent pod to create. It is deliberately thin:
// every field maps onto a Kubernetes API parameter, and nothing here
// encodes how the caller will attach to or exec into the resulting
// pod once it's running.
type PodSpec struct {
	// Namespace the agent pod is created in.
	Namespace string
	// TargetPod is the workload pod the agent should share a
	// network namespace with (via shareProcessNamespace / the
	// target container's namespace).
	TargetPod string
	// TargetContainer narrows TargetPod to a single container when
	// the pod has more than one.
	TargetContainer string
	// Image is the agent container image reference.
	Image string
	// Env is forwarded as the agent container's environment,
	// e.g. NETSHIFT_AGENT_CONTROL_ADDRESS overrides.
	Env map[string]string
	// Labels are merged onto the created pod's metadata so the
	// caller can find it again with a label selector.
	Labels map[string]string
}

// PodHandle identifies a launched agent pod.
type PodHandle struct {
	Name      string
	Namespace string
	NodeName  string
}

// AgentLauncher creates and tears down agent pods. Implementations
// own every Kubernetes-specific detail; this module never talks to
// the API server directly outside this package.
type AgentLauncher interface {
	Launch(ctx context.Context, spec PodSpec) (PodHandle, error)
	Terminate(ctx context.Context, handle PodHandle) error
}

// ClientGoLauncher backs AgentLauncher with client-go's typed
// Kubernetes clientset.
type ClientGoLauncher struct {
	clientset kubernetes.Interface
}

// NewClientGoLauncher wraps an already-configured clientset. Building
// that clientset (in-cluster config vs. kubeconfig fallback) is the
// caller's concern, mirroring how the teacher's internal/kubernetes
// package resolves a *rest.Config before handing out typed clients.
func NewClientGoLauncher(clientset kubernetes.Interface) *ClientGoLauncher {
	return &ClientGoLauncher{clientset: clientset}
}

// Launch creates the agent pod described by spec and returns a handle
// to it once the API server has accepted the create. It does not wait
// for the pod to become Ready; callers poll or watch for that
// themselves using the returned handle.
func (l *ClientGoLauncher) Launch(ctx context.Context, spec PodSpec) (PodHandle, error) {
	pod := buildPodManifest(spec)

	created, err := l.clientset.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return PodHandle{}, fmt.Errorf("launcher: create agent pod: %w", err)
	}

	return PodHandle{
		Name:      created.Name,
		Namespace: created.Namespace,
		NodeName:  created.Spec.NodeName,
	}, nil
}

// Terminate deletes the agent pod. Missing-pod errors are treated as
// success: the desired end state (no pod) already holds.
func (l *ClientGoLauncher) Terminate(ctx context.Context, handle PodHandle) error {
	err := l.clientset.CoreV1().Pods(handle.Namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("launcher: delete agent pod %s/%s: %w", handle.Namespace, handle.Name, err)
	}
	return nil
}

// buildPodManifest turns a PodSpec into the corev1.Pod the API server
// expects. The target pod's network namespace is joined by setting
// the container's ProcessNamespaceSharing field in the caller's own
// pod template (out of scope here per spec.md §1); this function only
// shapes the agent's own container spec.
func buildPodManifest(spec PodSpec) *corev1.Pod {
	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels["netshift.io/target-pod"] = spec.TargetPod

	annotations := map[string]string{}
	if raw, err := launchParamsAnnotation(spec); err == nil {
		annotations["netshift.io/launch-params"] = raw
	}

	privileged := true
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "netshift-agent-",
			Namespace:    spec.Namespace,
			Labels:       labels,
			Annotations:  annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  "agent",
					Image: spec.Image,
					Env:   envVars,
					SecurityContext: &corev1.SecurityContext{
						Privileged: &privileged,
					},
				},
			},
		},
	}
}

// launchParamsAnnotation encodes the parameters that shaped this pod
// (the target container) as a protobuf Struct rendered to
// JSON, giving tooling that inspects the pod after the fact a
// schema-stable blob instead of reverse-engineering it from env vars.
func launchParamsAnnotation(spec PodSpec) (string, error) {
	fields := map[string]any{
		"targetContainer": spec.TargetContainer,
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return "", fmt.Errorf("launcher: encode launch params: %w", err)
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("launcher: marshal launch params: %w", err)
	}
	return string(b), nil
}

func isNotFound(err error) bool {
	type statusError interface {
		Status() metav1.Status
	}
	se, ok := err.(statusError)
	return ok && se.Status().Code == 404
}
