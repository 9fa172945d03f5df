// Package harness runs process scenarios against an engine.
//
// A scenario deploys process definitions, drives them through a list of
// steps and checks the outcome:
//
//	name: order_manual_approval
//	description: Large orders wait for approval.
//	definitions:
//	  - ../definitions/order.yaml
//	steps:
//	  - start: {process: order, as: o1, variables: {amount: 5000}}
//	  - signal: {instance: o1, activity: approve, data: {approved: true}}
//	  - advance: 49h
//	  - run_jobs: true
//	assertions:
//	  - type: active_activities
//	    instance: o1
//	    activities: []
//	  - type: variables
//	    instance: o1
//	    expect: {approved: true}
//	  - type: trace_order
//	    trace:
//	      - {op: activity-execute, activity: approve}
//	      - {op: signal, activity: approve}
//
// Definition paths are relative to the scenario file. Each run gets a
// fresh database, a manual clock starting at Epoch, sequential ids and no
// job executor: run_jobs executes the due jobs itself, in due date order,
// so runs are reproducible and their traces can be compared against
// golden files.
//
// Steps:
//
//	start          start a process by key, naming the instance with "as"
//	signal         signal the execution of an instance at an activity
//	set_variables  set variables on a process instance
//	advance        move the clock forward by a Go duration
//	run_jobs       execute executable jobs until none is left
//	execute_job    execute the first job of an instance, due or not
//	delete         delete a process instance
//
// A step may carry "error" to expect a failure whose message contains
// the given text.
//
// Assertions: active_activities, ended, variables, job_count,
// trace_contains, trace_order and trace_count.
package harness
