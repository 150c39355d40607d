// Package tasks runs the group of worker processes derived from the task
// metadata a node receives with a sync command.
//
// The metadata is an opaque JSON object. The manager only looks at two keys:
//
//  tasks       // list of {name, command, args, env}
//  base_folder // working directory of every task, set by the receiving node
//
// Task i of the list is started with PORT set to PortOffset+i. Starting a new
// group stops the running one. The last metadata snapshot is kept in a Store
// so a restarted node can report, and hand out, the same metadata.
package tasks
