package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
	"github.com/example/akri-agent/pkg/deviceplugin"
	"github.com/example/akri-agent/pkg/discoveryhandlers"
	"github.com/example/akri-agent/pkg/reclaimer"
	"github.com/example/akri-agent/pkg/reconciler"
	"github.com/example/akri-agent/pkg/registry"
)

var opts struct {
	nodeName           string
	namespace          string
	socketDir          string
	kubeletSocketPath  string
	podResourcesSocket string
	cdiDir             string
	enableDebugEcho    bool
	enableNetdevice    bool
	enableRDMA         bool
}

func main() {
	cmd := &cobra.Command{
		Use:   "akri-agent",
		Short: "Node agent that discovers devices and serves them to kubelet as device plugins",
		Run:   run,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.nodeName, "node-name", "", "Name of the node this agent runs on (falls back to NODE_NAME)")
	flags.StringVar(&opts.namespace, "namespace", "akri", "Namespace Configuration and Instance objects live in")
	flags.StringVar(&opts.socketDir, "socket-dir", "/var/lib/kubelet/device-plugins", "Directory device-plugin instance sockets are created under")
	flags.StringVar(&opts.kubeletSocketPath, "kubelet-socket-path", "/var/lib/kubelet/device-plugins/kubelet.sock", "kubelet's device-plugin registration socket")
	flags.StringVar(&opts.podResourcesSocket, "pod-resources-socket", "/var/lib/kubelet/pod-resources/kubelet.sock", "kubelet's pod-resources gRPC socket")
	flags.StringVar(&opts.cdiDir, "cdi-dir", "", "Directory CDI spec files are written to (defaults to /etc/cdi)")
	flags.BoolVar(&opts.enableDebugEcho, "enable-debug-echo", true, "Enable the debugEcho discovery handler")
	flags.BoolVar(&opts.enableNetdevice, "enable-netdevice", true, "Enable the netdevice discovery handler")
	flags.BoolVar(&opts.enableRDMA, "enable-rdma", true, "Enable the rdma discovery handler")

	if err := cmd.Execute(); err != nil {
		klog.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) {
	if opts.nodeName == "" {
		opts.nodeName = os.Getenv("NODE_NAME")
		if opts.nodeName == "" {
			klog.Fatal("node-name is required (use --node-name or NODE_NAME env var)")
		}
	}

	// ENABLE_DEBUG_ECHO / ENABLE_NETDEVICE / ENABLE_RDMA, when set to
	// true/1 or false/0, override the matching --enable-* flag.
	for env, dst := range map[string]*bool{
		"ENABLE_DEBUG_ECHO": &opts.enableDebugEcho,
		"ENABLE_NETDEVICE":  &opts.enableNetdevice,
		"ENABLE_RDMA":       &opts.enableRDMA,
	} {
		switch os.Getenv(env) {
		case "true", "1":
			*dst = true
		case "false", "0":
			*dst = false
		}
	}

	klog.Infof("starting akri-agent on node %s", opts.nodeName)

	scheme := clientgoscheme.Scheme
	if err := v0.AddToScheme(scheme); err != nil {
		klog.Fatalf("adding akri.sh/v0 types to scheme: %v", err)
	}

	config := ctrl.GetConfigOrDie()
	mgr, err := ctrl.NewManager(config, ctrl.Options{
		Scheme:  scheme,
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		klog.Fatalf("creating controller manager: %v", err)
	}

	kubeClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		klog.Fatalf("creating Kubernetes client: %v", err)
	}

	reg := registry.New()
	enabled := map[string]bool{
		"debugEcho": opts.enableDebugEcho,
		"netdevice": opts.enableNetdevice,
		"rdma":      opts.enableRDMA,
	}
	embedded := discoveryhandlers.Build(reg, enabled)

	rec := reconciler.NewReconciler(mgr.GetClient(), kubeClient, opts.nodeName, opts.namespace, reg, embedded)
	if err := rec.SetupWithManager(mgr); err != nil {
		klog.Fatalf("wiring configuration reconciler into manager: %v", err)
	}

	cdi := deviceplugin.NewCDIWriter(opts.cdiDir)
	pool := deviceplugin.NewPool(mgr.GetClient(), opts.nodeName, opts.namespace, opts.socketDir, opts.kubeletSocketPath, cdi)
	if err := pool.SetupWithManager(mgr); err != nil {
		klog.Fatalf("wiring device-plugin pool into manager: %v", err)
	}

	claimant := reclaimer.New(pool, opts.podResourcesSocket)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	go claimant.Run(ctx)

	if err := mgr.Start(ctx); err != nil {
		klog.Fatalf("manager exited: %v", err)
	}

	klog.Info("akri-agent stopped")
}
