package pipeline

import (
	"math"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
)

// Window sizing for windowed queues. The window grows on a successful
// report and shrinks on a failing one, never dropping below the floor.

func growWindow(cfg *model.PipelineConfig, queue *model.ChangeQueue) {
	factor := cfg.WindowIncreaseFactor
	if factor == 0 {
		factor = 1
	}
	switch cfg.WindowIncreaseType {
	case model.WindowExponential:
		queue.Window = int(math.Ceil(float64(queue.Window) * factor))
	default:
		queue.Window += int(factor)
	}
}

func shrinkWindow(cfg *model.PipelineConfig, queue *model.ChangeQueue) {
	factor := cfg.WindowDecreaseFactor
	if factor == 0 {
		factor = 2
	}
	switch cfg.WindowDecreaseType {
	case model.WindowLinear:
		queue.Window -= int(factor)
	default:
		queue.Window = int(math.Floor(float64(queue.Window) / factor))
	}
	floor := queue.WindowFloor
	if floor < 1 {
		floor = 1
	}
	if queue.Window < floor {
		queue.Window = floor
	}
}
