package repository

import (
	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
)

// Пути узлов витрины относительно корня окружения:
//
//	/<datamart>/delta                 Delta{hot, ok}
//	/<datamart>/delta/num/<%010d>     архив закрытых дельт
//	/<datamart>/block/<table>         блокировка таблицы
//	/<datamart>/run/<%010d>           операции записи открытой дельты
const (
	deltaNode = "delta"
	numNode   = "num"
	blockNode = "block"
	runNode   = "run"
)

func datamartPath(dm string) string {
	return coordination.Join(dm)
}

func deltaPath(dm string) string {
	return coordination.Join(dm, deltaNode)
}

func deltaNumDir(dm string) string {
	return coordination.Join(dm, deltaNode, numNode)
}

func deltaNumPath(dm string, num int64) string {
	return coordination.Join(dm, deltaNode, numNode, coordination.SequenceName("", num))
}

func blockDir(dm string) string {
	return coordination.Join(dm, blockNode)
}

func blockPath(dm, table string) string {
	return coordination.Join(dm, blockNode, table)
}

func runDir(dm string) string {
	return coordination.Join(dm, runNode)
}

// runSeqPrefix — префикс для CreateSequential: "/<dm>/run/" → "/<dm>/run/0000000003".
func runSeqPrefix(dm string) string {
	return runDir(dm) + "/"
}

func runPath(dm string, seq int64) string {
	return coordination.Join(dm, runNode, coordination.SequenceName("", seq))
}
