package controller

import "math"

// trapezoid generates a position setpoint toward a target, with bounded
// velocity, acceleration and deceleration. It can be retargeted while moving.
type trapezoid struct {
	position     float64
	velocity     float64
	target       float64
	maxVelocity  float64
	acceleration float64
	deceleration float64
	done         bool
}

func newTrapezoid(position float64, velocity float64) *trapezoid {
	return &trapezoid{position: position, velocity: velocity, target: position, done: true}
}

func (t *trapezoid) retarget(target float64, maxVelocity, acceleration, deceleration float64) {
	t.target = target
	t.maxVelocity = maxVelocity
	t.acceleration = acceleration
	t.deceleration = deceleration
	t.done = target == t.position && t.velocity == 0
}

// step advances the profile by dt seconds
func (t *trapezoid) step(dt float64) {
	if t.done || dt <= 0 {
		return
	}
	remaining := t.target - t.position
	direction := math.Copysign(1, remaining)
	speed := t.velocity * direction
	if speed < 0 {
		// moving away, brake first
		speed = min(0, speed+t.deceleration*dt)
	} else {
		brake := math.Sqrt(2 * t.deceleration * math.Abs(remaining))
		speed = min(speed+t.acceleration*dt, t.maxVelocity, brake)
		if speed < 0 {
			speed = 0
		}
	}
	next := t.position + speed*direction*dt
	if speed >= 0 && (t.target-next)*direction <= 0 || math.Abs(remaining) < 0.5 && math.Abs(speed) <= t.deceleration*dt {
		t.position = t.target
		t.velocity = 0
		t.done = true
		return
	}
	t.position = next
	t.velocity = speed * direction
}

// ramp brings a velocity to a target with bounded acceleration and deceleration
type ramp struct {
	velocity     float64
	target       float64
	acceleration float64
	deceleration float64
}

func (r *ramp) step(dt float64) {
	delta := r.target - r.velocity
	if delta == 0 {
		return
	}
	// speeding up uses acceleration, slowing down deceleration
	rate := r.deceleration
	if math.Abs(r.target) > math.Abs(r.velocity) && r.target*r.velocity >= 0 {
		rate = r.acceleration
	}
	maxDelta := rate * dt
	if math.Abs(delta) <= maxDelta {
		r.velocity = r.target
		return
	}
	r.velocity += math.Copysign(maxDelta, delta)
}

func (r *ramp) done() bool {
	return r.velocity == r.target
}
