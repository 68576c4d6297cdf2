package cucumber

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/cucumber/godog"

	"github.com/mediaforge/forge-api/subprocess"
	"github.com/mediaforge/forge-api/test/steps"
)

var baseURL = "http://127.0.0.1:8989"
var baseInternalURL = "http://127.0.0.1:7979"
var wsURL = "ws://127.0.0.1:8989/ws"
var app *exec.Cmd

func init() {
	// Build the app
	buildApp := exec.Command(
		"go", "build",
		"-ldflags", "-X 'github.com/mediaforge/forge-api/config.Version=cucumber-test-version'",
		"-o", "test/app",
	)
	buildApp.Env = append(os.Environ(), "CGO_ENABLED=0")
	buildApp.Dir = ".."
	buildApp.Stderr = os.Stderr
	buildApp.Stdout = os.Stdout
	if buildErr := buildApp.Run(); buildErr != nil {
		panic(buildErr)
	}
}

func startApp() error {
	workRoot, err := os.MkdirTemp("", "forge-e2e-work-")
	if err != nil {
		return err
	}
	// One worker makes queueing behaviour deterministic for the cancel
	// scenarios.
	app = exec.Command("./app",
		"-ws-addr", "127.0.0.1:8989",
		"-internal-addr", "127.0.0.1:7979",
		"-workers", "1",
		"-queue-capacity", "16",
		"-work-root", workRoot,
		"-upload-wait", "30s",
		"-job-timeout", "120s",
	)
	if err := subprocess.LogOutputs(app); err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}

	// Wait for app to start
	steps.WaitForStartup(baseURL + "/ok")

	return nil
}

func TestFeatures(t *testing.T) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("skipping: the %q binary is not on PATH", bin)
		}
	}

	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	// Allows our steps to share data between themselves, e.g. the open
	// session and the envelopes read from it so far.
	var stepContext = steps.StepContext{
		BaseURL:         baseURL,
		BaseInternalURL: baseInternalURL,
		WSURL:           wsURL,
	}

	ctx.Step(`^ffmpeg is available$`, stepContext.CheckFfmpeg)
	ctx.Step(`^the Forge API is running$`, startApp)
	ctx.Step(`^a source clip exists$`, stepContext.CreateSourceClip)
	ctx.Step(`^a fixture file server is running$`, stepContext.StartFixtureServer)

	ctx.Step(`^I open a WebSocket session$`, stepContext.OpenSession)
	ctx.Step(`^I start a "([^"]*)" job with an uploaded input$`, stepContext.StartUploadJob)
	ctx.Step(`^I start a "([^"]*)" job with an uploaded input but send no payload$`, stepContext.StartUploadJobWithoutPayload)
	ctx.Step(`^I start a "([^"]*)" job with an uploaded input and options '([^']*)'$`, stepContext.StartUploadJobWithOptions)
	ctx.Step(`^I start a "([^"]*)" job with a URL input$`, stepContext.StartURLJob)
	ctx.Step(`^the job is acknowledged$`, stepContext.JobAcknowledged)
	ctx.Step(`^the job completes within "(\d+)" seconds$`, stepContext.JobCompletesWithin)
	ctx.Step(`^the delivered artifact is a valid media file$`, stepContext.ArtifactIsValidMedia)
	ctx.Step(`^progress never went backwards$`, stepContext.ProgressWasMonotone)
	ctx.Step(`^I cancel the last started job$`, stepContext.CancelLastJob)
	ctx.Step(`^I cancel the job "([^"]*)"$`, stepContext.CancelJob)
	ctx.Step(`^I send the raw message '([^']*)'$`, stepContext.SendRawMessage)
	ctx.Step(`^I send a ping$`, stepContext.SendPing)
	ctx.Step(`^I receive a pong within "(\d+)" seconds$`, stepContext.ReceivePongWithin)
	ctx.Step(`^I receive an? "([^"]*)" error within "(\d+)" seconds$`, stepContext.ReceiveErrorWithin)

	ctx.Step(`^I query the "([^"]*)" endpoint$`, stepContext.QueryEndpoint)
	ctx.Step(`^I query the internal "([^"]*)" endpoint$`, stepContext.QueryInternalEndpoint)
	ctx.Step(`^I get an HTTP response with code "(\d+)" and the following body "([^"]*)"$`, stepContext.CheckHTTPResponseCodeAndBody)
	ctx.Step(`^I get an HTTP response with code "(\d+)" containing "([^"]*)"$`, stepContext.CheckHTTPResponseCodeAndContains)
	ctx.Step(`^the internal metrics report at least "(\d+)" submitted jobs?$`, stepContext.MetricsReportSubmittedJobs)

	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		stepContext.Close()
		if app != nil && app.Process != nil {
			if err := app.Process.Kill(); err != nil {
				fmt.Println("Error while killing app process:", err.Error())
			}
			if err := app.Wait(); err != nil {
				if err.Error() != "signal: killed" {
					fmt.Println("Error while waiting for app to exit:", err.Error())
				}
			}
		}
		return ctx, nil
	})
}
