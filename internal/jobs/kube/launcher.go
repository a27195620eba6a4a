// Package kube runs scorer sub-tasks as Kubernetes Jobs and turns finished
// scorer pods back into completion notifications.
package kube

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"mmproc/internal/dispatch/model"
	appErr "mmproc/pkg/errors"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// TagAnnotationPrefix namespaces correlation tags on jobs and pods.
	TagAnnotationPrefix = "mmproc.io/tag-"

	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelScorerPod  = "mmproc.io/scorer"
	LabelChallenge  = "mmproc.io/challenge-id"
	LabelScorerType = "mmproc.io/scorer-type"
	managedByValue  = "mmproc"

	ContainerName = "scorer"

	// DefaultNamespace is where jobs are launched and watched unless
	// configured otherwise. Launcher and watcher must agree on it.
	DefaultNamespace = "scoring"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// LauncherConfig holds job placement settings.
type LauncherConfig struct {
	Namespace           string            `yaml:"namespace"`
	ServiceAccount      string            `yaml:"serviceAccount"`
	ActiveDeadline      time.Duration     `yaml:"activeDeadline"`
	TTLAfterFinished    time.Duration     `yaml:"ttlAfterFinished"`
	ImagePullPolicy     string            `yaml:"imagePullPolicy"`
	LaunchTimeout       time.Duration     `yaml:"launchTimeout"`
	NodeSelector        map[string]string `yaml:"nodeSelector"`
	DisableServiceLinks bool              `yaml:"disableServiceLinks"`
}

// Launcher creates one batch/v1 Job per sub-task. It does not wait for the
// job to run; the returned handle is "<namespace>/<job name>".
type Launcher struct {
	client kubernetes.Interface
	cfg    LauncherConfig
}

func NewLauncher(client kubernetes.Interface, cfg LauncherConfig) (*Launcher, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.TTLAfterFinished <= 0 {
		cfg.TTLAfterFinished = time.Hour
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 10 * time.Second
	}
	return &Launcher{client: client, cfg: cfg}, nil
}

// Launch submits the job.
func (l *Launcher) Launch(ctx context.Context, spec model.JobSpec) (model.JobHandle, error) {
	job, err := l.buildJob(spec)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JobLaunchFailed, "build job for %s", spec.SubTaskType)
	}
	launchCtx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()
	created, err := l.client.BatchV1().Jobs(l.cfg.Namespace).Create(launchCtx, job, metav1.CreateOptions{})
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JobLaunchFailed, "create job for %s", spec.SubTaskType)
	}
	return model.JobHandle(created.Namespace + "/" + created.Name), nil
}

func (l *Launcher) buildJob(spec model.JobSpec) (*batchv1.Job, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	annotations := TagAnnotations(spec.Tags.Map())
	labels := map[string]string{
		LabelManagedBy:  managedByValue,
		LabelScorerPod:  "true",
		LabelChallenge:  labelValue(spec.WorkerKey),
		LabelScorerType: labelValue(spec.SubTaskType),
	}

	container := corev1.Container{
		Name:  ContainerName,
		Image: spec.Image,
		Env:   envVars(spec.Env),
	}
	if l.cfg.ImagePullPolicy != "" {
		container.ImagePullPolicy = corev1.PullPolicy(l.cfg.ImagePullPolicy)
	}
	if spec.CPU != "" || spec.Memory != "" {
		limits := corev1.ResourceList{}
		if spec.CPU != "" {
			q, err := resource.ParseQuantity(spec.CPU)
			if err != nil {
				return nil, fmt.Errorf("cpu %q: %w", spec.CPU, err)
			}
			limits[corev1.ResourceCPU] = q
		}
		if spec.Memory != "" {
			q, err := resource.ParseQuantity(spec.Memory)
			if err != nil {
				return nil, fmt.Errorf("memory %q: %w", spec.Memory, err)
			}
			limits[corev1.ResourceMemory] = q
		}
		container.Resources = corev1.ResourceRequirements{Requests: limits, Limits: limits}
	}

	backoff := int32(0)
	ttl := int32(l.cfg.TTLAfterFinished / time.Second)
	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: l.cfg.ServiceAccount,
		NodeSelector:       l.cfg.NodeSelector,
		Containers:         []corev1.Container{container},
	}
	if l.cfg.DisableServiceLinks {
		disabled := false
		podSpec.EnableServiceLinks = &disabled
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: jobNamePrefix(spec),
			Namespace:    l.cfg.Namespace,
			Labels:       labels,
			Annotations:  annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: annotations},
				Spec:       podSpec,
			},
		},
	}
	if l.cfg.ActiveDeadline > 0 {
		deadline := int64(l.cfg.ActiveDeadline / time.Second)
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// TagAnnotations prefixes tag keys for use as object annotations.
func TagAnnotations(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[TagAnnotationPrefix+k] = v
	}
	return out
}

// TagsFromAnnotations is the inverse of TagAnnotations.
func TagsFromAnnotations(annotations map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range annotations {
		if name, ok := strings.CutPrefix(k, TagAnnotationPrefix); ok {
			out[name] = v
		}
	}
	return out
}

func envVars(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

func jobNamePrefix(spec model.JobSpec) string {
	prefix := "scorer-" + labelValue(strings.ToLower(spec.SubTaskType))
	prefix = invalidNameChars.ReplaceAllString(strings.ToLower(prefix), "-")
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	return strings.TrimRight(prefix, "-") + "-"
}

// labelValue truncates to the 63 characters a label value may hold.
func labelValue(v string) string {
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}
