package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mmproc/internal/dispatch/model"
	"mmproc/pkg/utils/logger"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const (
	// AnnotationReported marks pods whose completion has been handed off.
	AnnotationReported = "mmproc.io/completion-reported"

	jobNameLabel = "job-name"
)

// Sink receives completion notifications.
type Sink interface {
	Notify(ctx context.Context, n model.CompletionNotification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n model.CompletionNotification) error

func (f SinkFunc) Notify(ctx context.Context, n model.CompletionNotification) error {
	return f(ctx, n)
}

// Watcher observes scorer pods and emits one notification when a pod
// reaches a terminal phase. Reported pods are annotated so a restarted
// watcher does not report them again; a crash between notify and annotate
// yields a duplicate, which consumers dedupe by job handle.
type Watcher struct {
	client    kubernetes.Interface
	namespace string
	sink      Sink
	resync    time.Duration
}

func NewWatcher(client kubernetes.Interface, namespace string, sink Sink, resync time.Duration) *Watcher {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Watcher{client: client, namespace: namespace, sink: sink, resync: resync}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(w.client, w.resync,
		informers.WithNamespace(w.namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = LabelScorerPod + "=true"
		}),
	)
	podInformer := factory.Core().V1().Pods().Informer()
	_, err := podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				w.observe(ctx, pod)
			}
		},
		UpdateFunc: func(_, obj interface{}) {
			if pod, ok := obj.(*corev1.Pod); ok {
				w.observe(ctx, pod)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("register pod handler: %w", err)
	}

	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), podInformer.HasSynced) {
		return fmt.Errorf("pod informer cache did not sync")
	}
	logger.Info(ctx, "job watcher started", zap.String("namespace", w.namespace))
	<-ctx.Done()
	factory.Shutdown()
	return nil
}

func (w *Watcher) observe(ctx context.Context, pod *corev1.Pod) {
	if !terminal(pod) || pod.Annotations[AnnotationReported] != "" {
		return
	}
	n := Notification(pod)
	tags, _ := model.ParseJobTags(n.Tags)
	ctx = logger.WithCorrelation(ctx, tags.SubmissionID, tags.ChallengeID)
	if err := w.sink.Notify(ctx, n); err != nil {
		logger.Error(ctx, "completion notify failed",
			zap.String("job_handle", string(n.JobHandle)),
			zap.Error(err),
		)
		return
	}
	if err := w.markReported(ctx, pod); err != nil {
		logger.Warn(ctx, "mark pod reported failed",
			zap.String("pod", pod.Name),
			zap.Error(err),
		)
	}
}

func (w *Watcher) markReported(ctx context.Context, pod *corev1.Pod) error {
	patch, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": map[string]string{AnnotationReported: "true"},
		},
	})
	if err != nil {
		return err
	}
	_, err = w.client.CoreV1().Pods(pod.Namespace).Patch(ctx, pod.Name, types.MergePatchType, patch, metav1.PatchOptions{})
	return err
}

func terminal(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// Notification converts a finished scorer pod into a completion notification.
func Notification(pod *corev1.Pod) model.CompletionNotification {
	n := model.CompletionNotification{
		JobHandle:     jobHandle(pod),
		Tags:          TagsFromAnnotations(pod.Annotations),
		StoppedReason: pod.Status.Reason,
	}
	if pod.Status.StartTime != nil {
		n.StartedAt = pod.Status.StartTime.Time
	}
	for _, cs := range pod.Status.ContainerStatuses {
		term := cs.State.Terminated
		if term == nil {
			continue
		}
		code := int(term.ExitCode)
		n.ExitStatuses = append(n.ExitStatuses, model.ExitStatus{Container: cs.Name, ExitCode: &code})
		if term.FinishedAt.Time.After(n.StoppedAt) {
			n.StoppedAt = term.FinishedAt.Time
		}
		if n.StoppedReason == "" {
			n.StoppedReason = term.Reason
		}
	}
	if n.StoppedReason == "" {
		n.StoppedReason = pod.Status.Message
	}
	return n
}

func jobHandle(pod *corev1.Pod) model.JobHandle {
	name := pod.Labels[jobNameLabel]
	if name == "" {
		name = pod.Name
	}
	return model.JobHandle(pod.Namespace + "/" + name)
}
