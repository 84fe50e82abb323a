package controllers_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/config"
	"github.com/killallgit/thrive/pkg/controllers"
	"github.com/killallgit/thrive/pkg/telemetry"
	"github.com/killallgit/thrive/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var _ = Describe("Turn telemetry", func() {
	var (
		transport  *testutil.FakeTransport
		controller *controllers.SessionController
		spans      *tracetest.SpanRecorder
		reader     *sdkmetric.ManualReader
		frames     testutil.FrameBuilder
		ctx        context.Context
	)

	sumOf := func(name string) int64 {
		var rm metricdata.ResourceMetrics
		Expect(reader.Collect(context.Background(), &rm)).To(Succeed())

		var total int64
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				if m.Name != name {
					continue
				}
				sum, ok := m.Data.(metricdata.Sum[int64])
				Expect(ok).To(BeTrue())
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
		return total
	}

	BeforeEach(func() {
		spans = tracetest.NewSpanRecorder()
		reader = sdkmetric.NewManualReader()
		recorder := telemetry.NewWithProviders(
			sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		)

		transport = testutil.NewFakeTransport()
		controller = controllers.NewSessionController(transport, controllers.WithTelemetry(recorder))
		frames = testutil.NewFrameBuilder("c1")
		ctx = context.Background()
	})

	AfterEach(func() {
		controller.Close()
	})

	It("should count received and dropped frames of a turn", func() {
		reply := frames.Reply("m1", "Hi")
		script := append([]string{}, reply[:2]...)
		script = append(script, testutil.RawFrame("{oops"))
		script = append(script, reply[2:]...)
		transport.EnqueueSend(testutil.StreamScript{Frames: script})

		Expect(controller.SendMessage(ctx, "hello")).To(Succeed())

		Expect(sumOf("thrive.stream.frames_received")).To(Equal(int64(3)))
		Expect(sumOf("thrive.stream.frames_dropped")).To(Equal(int64(1)))
		Expect(sumOf("thrive.turn.failures")).To(BeZero())

		ended := spans.Ended()
		Expect(ended).To(HaveLen(1))
		Expect(ended[0].Name()).To(Equal("thrive.turn.send"))
	})

	It("should count a failed turn", func() {
		transport.EnqueueSend(testutil.StreamScript{
			OpenErr: &api.TransportError{StatusCode: 503, Message: "down"},
		})

		err := controller.SendMessage(ctx, "hello")
		var turnErr *controllers.TurnError
		Expect(errors.As(err, &turnErr)).To(BeTrue())

		Expect(sumOf("thrive.turn.failures")).To(Equal(int64(1)))
		Expect(spans.Ended()).To(HaveLen(1))
	})
})

var _ = Describe("InitializeSessionController telemetry", func() {
	AfterEach(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})

	It("should export turns when telemetry is enabled", func() {
		output := filepath.Join(GinkgoT().TempDir(), "telemetry.jsonl")
		transport := testutil.NewFakeTransport()
		transport.EnqueueSend(testutil.StreamScript{Frames: testutil.NewFrameBuilder("c1").Reply("m1", "Hi")})

		controller, cleanup, err := controllers.InitializeSessionController(&controllers.InitConfig{
			Config: &config.Config{
				Telemetry: config.TelemetryConfig{Enabled: true, ServiceName: "thrive-test", Output: output},
			},
			Transport: transport,
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(controller.SendMessage(context.Background(), "hello")).To(Succeed())
		cleanup()

		content, err := os.ReadFile(output)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("thrive.turn.send"))
		Expect(string(content)).To(ContainSubstring("thrive.stream.frames_received"))
	})
})
