package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opd-ai/sockjam"
	"github.com/opd-ai/sockjam/broker"
	"github.com/opd-ai/sockjam/internal/testclient"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sockjam",
	Short: "Run a broker-client retry scenario under injected latency",
	Long: `sockjam degrades a single broker connection with an artificial delay,
schedules the delay's removal so it lands between the client's second and
third retry, and verifies the client's metadata request recovers within
two full retry cycles.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (optional)")
	flags.Duration("socket-timeout", time.Second, "client per-request timeout")
	flags.Duration("retry-backoff", 5*time.Second, "client retry backoff")
	flags.Int("socket-max-fails", 3, "request failures before the client drops its connection")
	flags.Duration("delay", 3*time.Second, "injected socket delay")
	flags.Duration("margin", 100*time.Millisecond, "safety margin around the delay-removal window")
	flags.Duration("connect-wait", 30*time.Second, "bound on waiting for the first connection")
	flags.Duration("baseline-timeout", 2*time.Second, "deadline of the undelayed baseline request")
	flags.String("topic-prefix", "sockjam", "prefix of the per-run topic name")
	flags.String("sasl-username", "", "broker username (enables authentication)")
	flags.String("sasl-password", "", "broker password")
	flags.Bool("no-lift", false, "never lift the delay (negative control, run must fail)")
	flags.Bool("verbose", false, "enable debug logging")

	viper.SetEnvPrefix("SOCKJAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	brokerCfg := broker.Config{}
	username := viper.GetString("sasl-username")
	password := viper.GetString("sasl-password")
	if username != "" {
		hash, err := broker.HashPassword(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		brokerCfg.Username = username
		brokerCfg.PasswordHash = hash
	}

	b, err := broker.New(brokerCfg)
	if err != nil {
		return err
	}
	defer b.Close()

	socketTimeout := viper.GetDuration("socket-timeout")
	retryBackoff := viper.GetDuration("retry-backoff")

	conf := testclient.Config{
		testclient.KeyBootstrapServers: b.Addr(),
		testclient.KeySocketTimeoutMs:  strconv.FormatInt(socketTimeout.Milliseconds(), 10),
		testclient.KeySocketMaxFails:   strconv.Itoa(viper.GetInt("socket-max-fails")),
		testclient.KeyRetryBackoffMs:   strconv.FormatInt(retryBackoff.Milliseconds(), 10),
		// Keep version negotiation out of the measurement window.
		testclient.KeyAPIVersionRequest: "false",
	}
	if username != "" {
		conf[testclient.KeySASLUsername] = username
		conf[testclient.KeySASLPassword] = password
	}

	ctrl := sockjam.NewControl()
	client, err := testclient.New(conf, ctrl.Connect, sockjam.IsFatalError)
	if err != nil {
		return err
	}

	topic := client.Topic(sockjam.RandomTopicName(viper.GetString("topic-prefix")))
	logrus.WithFields(logrus.Fields{
		"function": "run",
		"broker":   b.Addr(),
		"topic":    topic.Name(),
	}).Info("Starting scenario")

	drv := sockjam.NewDriver(ctrl, topic, sockjam.Config{
		SocketTimeout:   socketTimeout,
		RetryBackoff:    retryBackoff,
		InjectDelay:     viper.GetDuration("delay"),
		Margin:          viper.GetDuration("margin"),
		ConnectWait:     viper.GetDuration("connect-wait"),
		BaselineTimeout: viper.GetDuration("baseline-timeout"),
		NoLift:          viper.GetBool("no-lift"),
	})

	report, runErr := drv.Run(cmd.Context())
	printReport(report)

	if runErr != nil {
		return runErr
	}
	if !report.Passed {
		return fmt.Errorf("scenario failed")
	}
	return nil
}

func printReport(report *sockjam.Report) {
	fmt.Println()
	for _, step := range report.Steps {
		line := fmt.Sprintf("  %-20s %-8s %s", step.Name, step.Status, step.Elapsed.Round(time.Millisecond))
		if step.Err != nil {
			line += "  " + step.Err.Error()
		}
		fmt.Println(line)
	}
	verdict := "PASSED"
	if !report.Passed {
		verdict = "FAILED"
	}
	fmt.Printf("\n  scenario %s in %s\n\n", verdict, report.Elapsed.Round(time.Millisecond))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
