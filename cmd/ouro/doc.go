// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Command ouro is the OUROBOROS compiler driver: it compiles a source file
through the lexer, parser and bytecode emitter, then executes the result on
the virtual machine.

Usage:

	ouro [flags] [file.ouro]

With no file argument an interactive session starts, carrying globals from
one input line to the next. A file whose content starts with the "OURO"
magic is loaded as a persisted bytecode container instead of source text.

Flags:

	-v, -version  print version and exit
	-debug        trace execution (the AST is not retained)
	-d            disassemble the compiled program instead of running it
	-o file       save the compiled bytecode container to file
	-I path       add a module search path (repeatable)
	-stats        print instruction count and speed on exit
	-noraw        disable raw terminal input

Environment:

	OURO_DEBUG=1  equivalent to -debug
	OURO_PATH     list of extra module search paths, separated by the
	              platform's path-list separator

The process exit code is 0 on success, 1 on a compile error, I/O error or
unhandled runtime exception. When the program's top-level value is an
integer in [0,255], that value becomes the exit code.
*/
package main
