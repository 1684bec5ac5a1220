// Package logx はzerologをベースにした構造化ロガーを提供する。
//
// コンソール出力は短いタイムスタンプと呼び出し元（file:line）を付けて読みやすく整形し、
// JSON出力は構造化されたままログ収集基盤へ渡せる形式にする。
// フィールドはString、Int、Errなどのヘルパーで指定する。
package logx
