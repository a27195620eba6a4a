package kube

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"mmproc/internal/dispatch/model"
	appErr "mmproc/pkg/errors"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const (
	submissionID = "11111111-1111-1111-1111-111111111111"
	challengeID  = "22222222-2222-2222-2222-222222222222"
)

func newFakeClient() *fake.Clientset {
	client := fake.NewSimpleClientset()
	var seq atomic.Int32
	client.PrependReactor("create", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batchv1.Job)
		if job.Name == "" {
			job.Name = fmt.Sprintf("%s%05d", job.GenerateName, seq.Add(1))
		}
		return false, nil, nil
	})
	return client
}

func testSpec(scorer string) model.JobSpec {
	return model.JobSpec{
		WorkerKey:    challengeID,
		SubmissionID: submissionID,
		SubTaskType:  scorer,
		Image:        "registry.local/scorer:1",
		CPU:          "500m",
		Memory:       "1Gi",
		Env:          map[string]string{"SUBMISSION_ID": submissionID, "SCORER_TYPE": scorer},
		Tags:         model.JobTags{ChallengeID: challengeID, SubmissionID: submissionID, ScorerType: scorer, RetryCount: 1},
	}
}

func TestLaunchCreatesTaggedJob(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	launcher, err := NewLauncher(client, LauncherConfig{Namespace: "scoring"})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}

	handle, err := launcher.Launch(context.Background(), testSpec("a"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if handle != "scoring/scorer-a-00001" {
		t.Fatalf("unexpected handle %q", handle)
	}

	job, err := client.BatchV1().Jobs("scoring").Get(context.Background(), "scorer-a-00001", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	pod := job.Spec.Template
	if pod.Annotations[TagAnnotationPrefix+model.TagRetryCount] != "1" ||
		pod.Annotations[TagAnnotationPrefix+model.TagScorerType] != "a" ||
		pod.Annotations[TagAnnotationPrefix+model.TagSubmissionID] != submissionID {
		t.Fatalf("pod template missing tags: %v", pod.Annotations)
	}
	if pod.Labels[LabelScorerPod] != "true" || pod.Labels[LabelChallenge] != challengeID {
		t.Fatalf("pod template missing labels: %v", pod.Labels)
	}
	if *job.Spec.BackoffLimit != 0 || pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Fatalf("job must not be retried by the runtime")
	}
	c := pod.Spec.Containers[0]
	if len(c.Env) != 2 || c.Env[0].Name != "SCORER_TYPE" || c.Env[1].Name != "SUBMISSION_ID" {
		t.Fatalf("unexpected env %v", c.Env)
	}
	if c.Resources.Limits.Cpu().String() != "500m" {
		t.Fatalf("unexpected cpu limit %v", c.Resources.Limits.Cpu())
	}
}

func TestLauncherAndWatcherShareDefaultNamespace(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	launcher, err := NewLauncher(client, LauncherConfig{})
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	handle, err := launcher.Launch(context.Background(), testSpec("a"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	w := NewWatcher(client, "", SinkFunc(func(context.Context, model.CompletionNotification) error { return nil }), time.Minute)
	if want := w.namespace + "/scorer-a-00001"; string(handle) != want {
		t.Fatalf("handle = %q, want %q", handle, want)
	}
}

func TestLaunchRejectsBadSpec(t *testing.T) {
	t.Parallel()

	launcher, _ := NewLauncher(newFakeClient(), LauncherConfig{})
	spec := testSpec("a")
	spec.CPU = "lots"
	if _, err := launcher.Launch(context.Background(), spec); !appErr.Is(err, appErr.JobLaunchFailed) {
		t.Fatalf("expected JobLaunchFailed, got %v", err)
	}
	spec = testSpec("a")
	spec.Image = ""
	if _, err := launcher.Launch(context.Background(), spec); err == nil {
		t.Fatalf("expected error without image")
	}
}

func TestLaunchCreateError(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, fmt.Errorf("quota exceeded")
	})
	launcher, _ := NewLauncher(client, LauncherConfig{})
	if _, err := launcher.Launch(context.Background(), testSpec("a")); !appErr.Is(err, appErr.JobLaunchFailed) {
		t.Fatalf("expected JobLaunchFailed, got %v", err)
	}
}

func finishedPod(name string, exitCodes ...int32) *corev1.Pod {
	start := metav1.NewTime(time.Unix(1_700_000_000, 0))
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "scoring",
			Labels:    map[string]string{LabelScorerPod: "true", jobNameLabel: "scorer-a-00001"},
			Annotations: TagAnnotations(model.JobTags{
				ChallengeID: challengeID, SubmissionID: submissionID, ScorerType: "a", RetryCount: 0,
			}.Map()),
		},
		Status: corev1.PodStatus{Phase: corev1.PodSucceeded, StartTime: &start},
	}
	for i, code := range exitCodes {
		if code != 0 {
			pod.Status.Phase = corev1.PodFailed
		}
		pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{
			Name: fmt.Sprintf("c%d", i),
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
				ExitCode:   code,
				Reason:     "Completed",
				FinishedAt: metav1.NewTime(start.Add(time.Duration(i+1) * time.Minute)),
			}},
		})
	}
	return pod
}

func TestNotificationFromPod(t *testing.T) {
	t.Parallel()

	n := Notification(finishedPod("p1", 0, 1))
	if n.JobHandle != "scoring/scorer-a-00001" {
		t.Fatalf("unexpected handle %q", n.JobHandle)
	}
	if len(n.ExitStatuses) != 2 || n.Succeeded() {
		t.Fatalf("expected failed notification with two statuses: %+v", n.ExitStatuses)
	}
	if n.Duration() != 2*time.Minute {
		t.Fatalf("duration = %v, want 2m", n.Duration())
	}
	tags, known := model.ParseJobTags(n.Tags)
	if !known || tags.ScorerType != "a" || tags.SubmissionID != submissionID {
		t.Fatalf("unexpected tags %+v", tags)
	}
}

func TestWatcherReportsTerminalPodsOnce(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(finishedPod("p1", 1))
	got := make(chan model.CompletionNotification, 4)
	w := NewWatcher(client, "scoring", SinkFunc(func(_ context.Context, n model.CompletionNotification) error {
		got <- n
		return nil
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case n := <-got:
		if n.Succeeded() || n.JobHandle != "scoring/scorer-a-00001" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for notification")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		pod, err := client.CoreV1().Pods("scoring").Get(context.Background(), "p1", metav1.GetOptions{})
		if err == nil && pod.Annotations[AnnotationReported] == "true" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pod was not marked reported")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case n := <-got:
		t.Fatalf("duplicate notification %+v", n)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
