// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hybrid_embedding_bench trains the hybrid embedding on synthetic power-law data, with all the
// instances of the configured topology simulated in one process, and reports the placement, the
// communication volume and the step times.
//
// Example:
//
//	hybrid_embedding_bench -steps=200 -settings="instances_per_node=8;batch_size=65_536;half_precision=true"
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/embedding/keys"
	"github.com/gomlx/hybridembedding/pkg/embedding/network"
	"github.com/gomlx/hybridembedding/pkg/embedding/pipeline"
	"github.com/gomlx/hybridembedding/pkg/hybrid/calibration"
	"github.com/gomlx/hybridembedding/pkg/hybrid/config"
	"github.com/gomlx/hybridembedding/pkg/hybrid/inputgen"
	"github.com/gomlx/hybridembedding/pkg/hybrid/statistics"
	"github.com/janpfeifer/must"
	"github.com/prometheus/common/expfmt"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var (
	cfg          = config.Default()
	flagSettings = cfg.CreateSettingsFlag("settings")

	flagConfig      = flag.String("config", "", "YAML configuration file. Settings given with -settings are applied over it.")
	flagCalibration = flag.String("calibration", "",
		"YAML file with measured collective times. It overrides the calibration_file setting.")
	flagSteps  = flag.Int("steps", 100, "Number of training steps to run.")
	flagWarmup = flag.Int("warmup", 8, "Number of global batches generated to compute the initial frequency statistics.")
	flagSeed   = flag.Int64("seed", 42, "Seed of the synthetic data and of the initial embedding vectors.")
	flagLR     = flag.Float64("lr", 0.01, "SGD learning rate.")
	flagScale  = flag.Float64("init_scale", 0.05, "Initial embedding values are uniform in [-init_scale, init_scale].")

	flagRecalibrateEvery = flag.Int("recalibrate_every", 0,
		"Check the frequent cache coverage every this many steps, and recalibrate if it drifted. 0 disables it.")
	flagProfileDir = flag.String("profile_dir", "",
		fmt.Sprintf("If set, the per-phase timings are written to %q in this directory.", session.ProfileResultFileName))
	flagProfileWarmup = flag.Int("profile_warmup", 2, "Number of initial steps not profiled.")
	flagMetrics       = flag.Bool("metrics", false, "Print the engine metrics in Prometheus text format at the end.")
	flagProgress      = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagConfig != "" {
		cfg = must.M1(config.LoadFile(*flagConfig))
	}
	paramsSet := must.M1(cfg.ParseSettings(*flagSettings))
	if *flagCalibration != "" {
		cfg.CalibrationFile = *flagCalibration
		paramsSet = append(paramsSet, "calibration_file")
	}
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	if len(paramsSet) > 0 {
		klog.Infof("Settings:\n%s", cfg.SprintSettings(paramsSet...))
	}
	if *flagSteps <= 0 || *flagWarmup <= 0 {
		klog.Fatalf("-steps and -warmup must be positive, got %d and %d", *flagSteps, *flagWarmup)
	}

	sess := session.New().WithBlockSize(cfg.BlockSize)
	if cfg.Parallelism > 0 {
		sess.WithParallelism(cfg.Parallelism)
	}
	klog.Infof("Session %s, parallelism %d", sess.ID(), sess.Pool().MaxParallelism())
	gen := must.M1(inputgen.NewWithTableSizes(inputgen.Config{
		EmbeddingVecSize: cfg.EmbeddingVecSize,
		Exponent:         cfg.ZipfExponent,
	}, cfg.TableSizesOrSplit(), *flagSeed))
	calib := must.M1(cfg.Calibration())

	var warmup []keys.Category
	for range *flagWarmup {
		warmup = append(warmup, gen.Batch(cfg.BatchSize, true).Categories()...)
	}
	stats := must.M1(statistics.Compute(sess, warmup))
	stats.NumIterations = *flagWarmup
	klog.Infof("Initial statistics: %s distinct categories hit in %s lookups",
		humanize.Comma(int64(stats.NumUnique())), humanize.Comma(int64(len(warmup))))

	var r *report
	if cfg.HalfPrecision {
		r = run[float16.Float16](sess, gen, calib, stats)
	} else {
		r = run[float32](sess, gen, calib, stats)
	}
	r.print()
	printPhases(sess.Profiler().Events())

	if *flagProfileDir != "" {
		path := must.M1(sess.Profiler().WriteResult(*flagProfileDir))
		fmt.Printf("Profile written to %s\n", path)
	}
	if *flagMetrics {
		families := must.M1(sess.Metrics().Registry.Gather())
		for _, mf := range families {
			_ = must.M1(expfmt.MetricFamilyToText(os.Stdout, mf))
		}
	}
}

// initVector returns the initialization of the embedding vectors: a hash of the category and the
// position, so it is the same regardless of where the vector is placed.
func initVector(seed int64, scale float64) pipeline.InitFunc {
	return func(category keys.Category, vec []float32) {
		var buf [24]byte
		binary.LittleEndian.PutUint64(buf[:8], uint64(seed))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(category))
		for j := range vec {
			binary.LittleEndian.PutUint64(buf[16:], uint64(j))
			u := float64(xxhash.Sum64(buf[:])>>11) / (1 << 53)
			vec[j] = float32(scale * (2*u - 1))
		}
	}
}

// run trains for -steps steps with the loss 0.5*|embeddings|^2, whose gradient is the embeddings
// themselves.
func run[T network.Element](sess *session.Session, gen *inputgen.Generator, calib *calibration.Data,
	stats *statistics.Statistics) *report {
	cluster := must.M1(pipeline.NewCluster[T](sess, cfg, calib, stats, initVector(*flagSeed, *flagScale)))
	numInstances := cluster.NumInstances()
	r := &report{
		cfg:          cfg,
		calibration:  calib,
		stepSeconds:  make([]float64, 0, *flagSteps),
		numInstances: numInstances,
	}
	if *flagProfileDir != "" {
		sess.Profiler().SetWarmupIterations(*flagProfileWarmup)
	}

	var progress *progressDisplay
	if *flagProgress {
		progress = newProgressDisplay(*flagSteps)
	}
	for step := range *flagSteps {
		batches := make([]*keys.Batch, numInstances)
		for i := range batches {
			batches[i] = gen.Batch(cfg.LocalBatchSize(), true)
		}

		start := time.Now()
		sess.Profiler().IterStart()
		embeddings, err := cluster.Forward(batches)
		if err != nil {
			klog.Fatalf("Step %d failed: %+v", step, err)
		}
		var loss float64
		for _, e := range embeddings {
			for _, v := range e {
				loss += 0.5 * float64(v) * float64(v)
			}
		}
		if err = cluster.Backward(embeddings, float32(*flagLR)); err != nil {
			klog.Fatalf("Step %d backward failed: %+v", step, err)
		}
		sess.Profiler().IterEnd()
		elapsed := time.Since(start)
		r.stepSeconds = append(r.stepSeconds, elapsed.Seconds())
		r.losses = append(r.losses, loss/float64(cfg.BatchSize))
		for _, out := range cluster.Outputs() {
			r.uniqueKeys += out.Compacted.NumKeys()
			r.frequentHits += len(out.FrequentSlots)
			r.occurrences += out.NumOccurrences
		}

		if *flagRecalibrateEvery > 0 && (step+1)%*flagRecalibrateEvery == 0 {
			recalibrated, err := cluster.MaybeRecalibrate()
			if err != nil {
				klog.Fatalf("Recalibration after step %d failed: %+v", step, err)
			}
			if recalibrated {
				r.recalibrations++
			}
		}
		if progress != nil {
			progress.update(step+1, [][2]string{
				{"Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(step+1)), humanize.Comma(int64(*flagSteps)))},
				{"Loss", fmt.Sprintf("%.6g", r.losses[len(r.losses)-1])},
				{"Step time", elapsed.Round(time.Microsecond).String()},
				{"Frequent hits", percent(r.frequentHits, r.occurrences)},
			})
		}
	}
	if progress != nil {
		progress.done()
	}

	m := cluster.Engine(0).Model()
	r.numFrequent = m.NumFrequent()
	r.numCategories = m.NumCategories()
	r.threshold = m.Threshold()
	r.baseline = m.BaselineCoverage()
	r.coverage = m.Coverage(cluster.Sampler().Statistics())
	r.allToAllBytes = cluster.Exchange().AllToAllItems() * int64(sizeOf[T]())
	r.interNodeBytes = cluster.Exchange().InterNodeItems() * int64(sizeOf[T]())
	r.allReduceBytes = cluster.Exchange().AllReduceItems() * int64(sizeOf[T]())
	return r
}

func sizeOf[T network.Element]() int {
	var zero T
	if _, ok := any(zero).(float16.Float16); ok {
		return 2
	}
	return 4
}

func percent(n, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(total))
}

// report of a run.
type report struct {
	cfg          *config.Config
	calibration  *calibration.Data
	numInstances int

	numFrequent, numCategories int
	threshold, baseline        float64
	coverage                   float64
	recalibrations             int

	stepSeconds                 []float64
	losses                      []float64
	occurrences, uniqueKeys     int
	frequentHits                int
	allToAllBytes, allReduceBytes int64
	interNodeBytes                int64
}

func (r *report) print() {
	fmt.Println(titleStyle.Render("Placement"))
	table := newPlainTable(false, alignRight, alignLeft)
	table.Row("instances", fmt.Sprintf("%d %v (%s)", r.numInstances, r.cfg.InstancesPerNode, r.cfg.CommunicationType))
	table.Row("categories", humanize.Comma(int64(r.numCategories)))
	table.Row("frequent", fmt.Sprintf("%s (%s)", humanize.Comma(int64(r.numFrequent)), percent(r.numFrequent, r.numCategories)))
	threshold := "none"
	if !math.IsInf(r.threshold, 1) {
		threshold = fmt.Sprintf("%.1f hits", r.threshold)
	}
	table.Row("threshold", threshold)
	table.Row("measured calibration", fmt.Sprintf("%v", r.calibration.IsMeasured()))
	table.Row("cache coverage (initial)", fmt.Sprintf("%.1f%%", 100*r.baseline))
	table.Row("cache coverage (last steps)", fmt.Sprintf("%.1f%%", 100*r.coverage))
	table.Row("recalibrations", humanize.Comma(int64(r.recalibrations)))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Steps"))
	sorted := slices.Clone(r.stepSeconds)
	slices.Sort(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	p90 := stat.Quantile(0.9, stat.Empirical, sorted, nil)
	mean := stat.Mean(r.stepSeconds, nil)
	table = newPlainTable(false, alignRight, alignLeft)
	table.Row("steps", humanize.Comma(int64(len(r.stepSeconds))))
	table.Row("step time (median / p90)", fmt.Sprintf("%s / %s", seconds(median), seconds(p90)))
	table.Row("lookups/s", humanize.SIWithDigits(float64(r.occurrences)/float64(len(r.stepSeconds))/mean, 2, ""))
	table.Row("frequent hits", percent(r.frequentHits, r.occurrences))
	table.Row("unique infrequent keys/step", humanize.Comma(int64(r.uniqueKeys/len(r.stepSeconds))))
	table.Row("all-to-all traffic", humanize.Bytes(uint64(r.allToAllBytes)))
	table.Row("  across nodes", humanize.Bytes(uint64(r.interNodeBytes)))
	table.Row("all-reduce traffic", humanize.Bytes(uint64(r.allReduceBytes)))
	table.Row("loss (first / last)", fmt.Sprintf("%.6g / %.6g", r.losses[0], r.losses[len(r.losses)-1]))
	fmt.Println(table.Render())
}

// printPhases prints the median and p90 time of each profiled phase, over all instances.
func printPhases(events []session.ProfiledEvent) {
	timesPerPhase := make(map[string][]float64)
	var names []string
	for _, e := range events {
		if _, found := timesPerPhase[e.Name]; !found {
			names = append(names, e.Name)
		}
		timesPerPhase[e.Name] = append(timesPerPhase[e.Name], e.MeasuredTimesMs...)
	}
	if len(names) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Phases"))
	table := newPlainTable(true, alignLeft, alignRight)
	table.Headers("phase", "median", "p90", "measurements")
	for _, name := range names {
		times := timesPerPhase[name]
		if len(times) == 0 {
			continue
		}
		slices.Sort(times)
		table.Row(name,
			seconds(stat.Quantile(0.5, stat.Empirical, times, nil)/1000),
			seconds(stat.Quantile(0.9, stat.Empirical, times, nil)/1000),
			humanize.Comma(int64(len(times))))
	}
	fmt.Println(table.Render())
}

func seconds(s float64) string {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond).String()
}
